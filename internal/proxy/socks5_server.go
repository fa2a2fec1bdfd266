package proxy

import (
	"context"
	"errors"
	"log"
	"net"

	"github.com/die-net/socks5d/internal/server"
	"github.com/die-net/socks5d/internal/socks5"
)

var errCommandDisabled = errors.New("command disabled")

// SOCKS5Server serves SOCKS5 clients on a listener.
type SOCKS5Server struct {
	ctx      context.Context
	cfg      Config
	verbose  bool
	auth     server.Authenticator
	resolver Resolver
	opts     []server.Option
}

// NewSOCKS5Server returns a server whose sessions end when ctx is done.
// verbose enables per-connection error logging.
func NewSOCKS5Server(ctx context.Context, cfg Config, verbose bool) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}

	s := &SOCKS5Server{ctx: ctx, cfg: cfg, verbose: verbose, auth: cfg.Auth, resolver: cfg.Resolver}
	if s.auth == nil {
		s.auth = server.NoAuth{}
	}
	if s.resolver == nil {
		s.resolver = net.DefaultResolver
	}
	if cfg.StrictReserved {
		s.opts = append(s.opts, server.WithStrictReserved())
	}
	return s
}

// Serve accepts connections on ln until Accept fails, handling each in its
// own goroutine.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(c)
	}
}

func (s *SOCKS5Server) handleConn(c net.Conn) {
	remote := c.RemoteAddr()

	ctx := s.ctx
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	h, err := server.NewIncomingConnection(c, s.auth, s.opts...).Handshake(ctx)
	if err != nil {
		s.logf("socks5 %s: %v", remote, err)
		return
	}

	switch h := h.(type) {
	case *server.Connect:
		err = s.handleConnect(h)
	case *server.Bind:
		err = s.handleBind(h)
	case *server.Associate:
		err = s.handleAssociate(h)
	}
	if err != nil {
		s.logf("socks5 %s: %v", remote, err)
	}
}

// refuse sends a failure reply on the first phase of any command and closes
// the stream.
func refuse[R interface{ Close() error }](reply func(socks5.Reply, socks5.Address) (R, error), rep socks5.Reply) {
	ready, err := reply(rep, socks5.UnspecifiedAddress())
	if err == nil {
		_ = ready.Close()
	}
}

func (s *SOCKS5Server) logf(format string, args ...any) {
	if s.verbose {
		log.Printf(format, args...)
	}
}

// localIP is the IP of the control connection's local end, where BIND
// listeners and UDP relays are opened.
func localIP(a net.Addr) net.IP {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP
	}
	return nil
}

// boundAddress reports a listener or socket address to the client.
func boundAddress(a net.Addr) socks5.Address {
	addr, err := socks5.AddressFromNetAddr(a)
	if err != nil {
		return socks5.UnspecifiedAddress()
	}
	return addr
}
