package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/die-net/socks5d/internal/dialer"
	"github.com/die-net/socks5d/internal/server"
	"github.com/die-net/socks5d/internal/socks5"
)

func (s *SOCKS5Server) handleConnect(c *server.Connect) error {
	target := c.Target()

	up, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", target.String())
	if err != nil {
		refuse(c.Reply, replyForDialError(err))
		return fmt.Errorf("connect %s: %w", target, err)
	}

	ready, err := c.Reply(socks5.ReplySucceeded, boundAddress(up.LocalAddr()))
	if err != nil {
		_ = up.Close()
		return fmt.Errorf("connect %s: %w", target, err)
	}

	return CopyBidirectional(s.ctx, ready.Conn, up)
}

// replyForDialError picks the reply code that best describes why a CONNECT
// target could not be reached.
func replyForDialError(err error) socks5.Reply {
	var replyErr *dialer.ReplyError
	if errors.As(err, &replyErr) {
		return replyErr.Reply
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5.ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5.ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.As(err, &dnsErr):
		return socks5.ReplyHostUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return socks5.ReplyTTLExpired
	default:
		return socks5.ReplyGeneralFailure
	}
}
