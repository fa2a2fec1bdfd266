package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/die-net/socks5d/internal/conn"
	"github.com/die-net/socks5d/internal/server"
	"github.com/die-net/socks5d/internal/socks5"
)

func (s *SOCKS5Server) handleBind(b *server.Bind) error {
	if s.cfg.DisableBind {
		refuse(b.Reply, socks5.ReplyCommandNotSupported)
		return fmt.Errorf("bind: %w", errCommandDisabled)
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: localIP(b.LocalAddr())})
	if err != nil {
		refuse(b.Reply, socks5.ReplyGeneralFailure)
		return fmt.Errorf("bind listen: %w", err)
	}
	defer ln.Close()

	stop := context.AfterFunc(s.ctx, func() { _ = ln.Close() })
	defer stop()

	pending, err := b.Reply(socks5.ReplySucceeded, boundAddress(ln.Addr()))
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	if s.cfg.BindTimeout > 0 {
		_ = ln.SetDeadline(time.Now().Add(s.cfg.BindTimeout))
	}

	// A client that gives up while waiting releases the listener.
	var gone atomic.Bool
	pending.WatchClose(func() {
		gone.Store(true)
		_ = ln.Close()
	})

	peer, err := acceptFrom(ln, b.Target())
	if err != nil {
		if gone.Load() {
			_ = pending.Close()
			return nil
		}
		rep := socks5.ReplyGeneralFailure
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			rep = socks5.ReplyTTLExpired
		}
		refuse(pending.Reply, rep)
		return fmt.Errorf("bind accept: %w", err)
	}
	_ = ln.Close()
	conn.ApplyKeepAlive(peer, s.cfg.KeepAlive)

	ready, err := pending.Reply(socks5.ReplySucceeded, boundAddress(peer.RemoteAddr()))
	if err != nil {
		_ = peer.Close()
		return fmt.Errorf("bind: %w", err)
	}

	return CopyBidirectional(s.ctx, ready.Conn, peer)
}

// acceptFrom returns the first inbound connection whose source IP matches
// want. Connections from other IPs are dropped. A want without a specific IP
// accepts anyone.
func acceptFrom(ln *net.TCPListener, want socks5.Address) (net.Conn, error) {
	wantAP, isIP := want.AddrPort()
	anyone := !isIP || wantAP.Addr().IsUnspecified()

	for {
		c, err := ln.AcceptTCP()
		if err != nil {
			return nil, err
		}
		if anyone || c.RemoteAddr().(*net.TCPAddr).AddrPort().Addr().Unmap() == wantAP.Addr().Unmap() {
			return c, nil
		}
		_ = c.Close()
	}
}
