package server

import (
	"errors"
	"io"
	"net"

	"github.com/die-net/socks5d/internal/socks5"
)

// Associate is an ASSOCIATE request waiting for the reply that announces the
// UDP relay address.
type Associate struct {
	conn   net.Conn
	target socks5.Address
}

func (*Associate) connection() {}

// Target is the address the client expects to send datagrams from. It is
// often unspecified.
func (a *Associate) Target() socks5.Address { return a.target }

// LocalAddr returns the control connection's local address. The relay
// socket is normally bound on the same IP.
func (a *Associate) LocalAddr() net.Addr {
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr()
}

// RemoteAddr returns the client's control connection address.
func (a *Associate) RemoteAddr() net.Addr {
	if a.conn == nil {
		return nil
	}
	return a.conn.RemoteAddr()
}

func (a *Associate) Reply(rep socks5.Reply, addr socks5.Address) (*AssociateReady, error) {
	conn := a.conn
	if conn == nil {
		return nil, ErrHandleConsumed
	}
	a.conn = nil

	if err := writeReply(conn, rep, addr); err != nil {
		return nil, err
	}
	return &AssociateReady{conn: conn}, nil
}

func (a *Associate) Close() error {
	if a.conn == nil {
		return ErrHandleConsumed
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// AssociateReady is an ASSOCIATE session whose reply has been sent. The
// control connection carries no more data; it only signals the end of the
// association by closing.
type AssociateReady struct {
	conn net.Conn
}

func (a *AssociateReady) LocalAddr() net.Addr  { return a.conn.LocalAddr() }
func (a *AssociateReady) RemoteAddr() net.Addr { return a.conn.RemoteAddr() }
func (a *AssociateReady) Close() error         { return a.conn.Close() }

// WaitClose blocks until the client closes the control connection and then
// returns nil. Stray bytes are discarded. Read errors other than EOF are
// returned as is.
func (a *AssociateReady) WaitClose() error {
	var b [1]byte
	for {
		_, err := a.conn.Read(b[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
