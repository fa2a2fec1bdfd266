package server

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/die-net/socks5d/internal/socks5"
)

// maxEarlyData bounds what a close watch buffers from a client that starts
// sending before the second BIND reply. Past it the watch stops reading.
const maxEarlyData = 64 << 10

// Bind is a BIND request waiting for its first reply, which announces the
// address the server listens on for the inbound connection.
type Bind struct {
	conn   net.Conn
	target socks5.Address
}

func (*Bind) connection() {}

func (b *Bind) Target() socks5.Address { return b.target }

// LocalAddr returns the control connection's local address. The BIND
// listener is normally opened on the same IP.
func (b *Bind) LocalAddr() net.Addr {
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// RemoteAddr returns the client's control connection address.
func (b *Bind) RemoteAddr() net.Addr {
	if b.conn == nil {
		return nil
	}
	return b.conn.RemoteAddr()
}

// Reply sends the first reply.
func (b *Bind) Reply(rep socks5.Reply, addr socks5.Address) (*BindPending, error) {
	conn := b.conn
	if conn == nil {
		return nil, ErrHandleConsumed
	}
	b.conn = nil

	if err := writeReply(conn, rep, addr); err != nil {
		return nil, err
	}
	return &BindPending{conn: conn, target: b.target}, nil
}

func (b *Bind) Close() error {
	if b.conn == nil {
		return ErrHandleConsumed
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// BindPending is a BIND session waiting for the inbound connection. Its reply
// announces the peer that connected.
type BindPending struct {
	conn   net.Conn
	target socks5.Address
	watch  *closeWatch
}

func (b *BindPending) Target() socks5.Address { return b.target }

// WatchClose reads the control connection in the background while the
// session waits, and calls onClose if the client closes it or the read
// fails. Bytes the client sends meanwhile are kept and read first from the
// BindReady stream. Reply and Close end the watch without calling onClose.
func (b *BindPending) WatchClose(onClose func()) {
	if b.conn == nil || b.watch != nil {
		return
	}
	b.watch = &closeWatch{conn: b.conn, done: make(chan struct{})}
	go b.watch.run(onClose)
}

// Reply sends the second reply.
func (b *BindPending) Reply(rep socks5.Reply, addr socks5.Address) (*BindReady, error) {
	conn := b.conn
	if conn == nil {
		return nil, ErrHandleConsumed
	}
	b.conn = nil

	var early []byte
	if b.watch != nil {
		var err error
		if early, err = b.watch.stop(); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if err := writeReply(conn, rep, addr); err != nil {
		return nil, err
	}
	if len(early) > 0 {
		conn = &prefixConn{Conn: conn, prefix: early}
	}
	return &BindReady{Conn: conn}, nil
}

// LocalAddr returns the control connection's local address, which is where
// a BIND listener is normally reachable by the client's peer.
func (b *BindPending) LocalAddr() net.Addr {
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

func (b *BindPending) Close() error {
	if b.conn == nil {
		return ErrHandleConsumed
	}
	if b.watch != nil {
		b.watch.stopped.Store(true)
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// BindReady is a BIND session after both replies. The embedded net.Conn is
// relayed to the inbound connection.
type BindReady struct {
	net.Conn
}

type closeWatch struct {
	conn    net.Conn
	stopped atomic.Bool
	done    chan struct{}
	early   []byte
}

func (w *closeWatch) run(onClose func()) {
	defer close(w.done)

	buf := make([]byte, 4096)
	for len(w.early) < maxEarlyData {
		n, err := w.conn.Read(buf)
		w.early = append(w.early, buf[:n]...)
		if err != nil {
			if !w.stopped.Load() {
				onClose()
			}
			return
		}
	}
}

// stop interrupts the pending read and returns what was read so far.
func (w *closeWatch) stop() ([]byte, error) {
	w.stopped.Store(true)
	if err := w.conn.SetReadDeadline(time.Unix(1, 0)); err != nil {
		return nil, err
	}
	<-w.done
	if err := w.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return w.early, nil
}

// prefixConn returns prefix from Read before reading from Conn.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// CloseWrite half-closes the underlying conn, or closes it when it cannot
// half-close.
func (c *prefixConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
