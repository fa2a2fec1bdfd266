package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/die-net/socks5d/internal/socks5"
)

// ErrHandleConsumed is returned when a phase handle is used after it has
// already transitioned or been closed.
var ErrHandleConsumed = errors.New("socks5 server: handle already used")

// Connection is the result of a successful handshake: a *Connect, *Bind or
// *Associate in its first reply-pending phase.
type Connection interface {
	// Target is the address from the client's request.
	Target() socks5.Address
	// Close abandons the handle and closes the stream.
	Close() error

	connection()
}

// Option configures an IncomingConnection.
type Option func(*IncomingConnection)

// WithStrictReserved rejects requests whose reserved byte is not zero.
func WithStrictReserved() Option {
	return func(c *IncomingConnection) { c.strict = true }
}

// IncomingConnection is an accepted stream that has not been negotiated yet.
type IncomingConnection struct {
	conn   net.Conn
	auth   Authenticator
	strict bool
}

// NewIncomingConnection wraps conn. auth may be shared between connections.
func NewIncomingConnection(conn net.Conn, auth Authenticator, opts ...Option) *IncomingConnection {
	c := &IncomingConnection{conn: conn, auth: auth}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Handshake negotiates authentication and reads the client's request.
//
// On any failure the stream is closed before the error is returned: an
// unacceptable method list is answered with METHOD X'FF', and a request that
// cannot be parsed with a general-failure reply. ctx bounds the whole
// negotiation; the stream's deadline is cleared again before a handle is
// returned.
func (c *IncomingConnection) Handshake(ctx context.Context) (Connection, error) {
	conn := c.conn
	if conn == nil {
		return nil, ErrHandleConsumed
	}
	c.conn = nil

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	req, err := c.negotiate(conn)
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		_ = conn.Close()
		return nil, contextError(ctx, err)
	}
	_ = conn.SetDeadline(time.Time{})

	switch req.Command {
	case socks5.CmdConnect:
		return &Connect{conn: conn, target: req.Address}, nil
	case socks5.CmdBind:
		return &Bind{conn: conn, target: req.Address}, nil
	default:
		return &Associate{conn: conn, target: req.Address}, nil
	}
}

func (c *IncomingConnection) negotiate(conn net.Conn) (*socks5.Request, error) {
	if err := c.authenticate(conn); err != nil {
		return nil, err
	}

	read := socks5.ReadRequest
	if c.strict {
		read = socks5.ReadRequestStrict
	}
	req, err := read(conn)
	if err != nil {
		// Courtesy notification; the parse error is what the caller sees.
		resp := socks5.Response{Reply: socks5.ReplyGeneralFailure, Address: socks5.UnspecifiedAddress()}
		_, _ = resp.WriteTo(conn)
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

func (c *IncomingConnection) authenticate(conn net.Conn) error {
	hs, err := socks5.ReadHandshakeRequest(conn)
	if err != nil {
		writeMethod(conn, socks5.MethodNoAcceptable)
		return fmt.Errorf("handshake: %w", err)
	}

	method := c.auth.Method()
	if !hs.Contains(method) {
		writeMethod(conn, socks5.MethodNoAcceptable)
		return fmt.Errorf("handshake: %w: client offered %v, server requires %v", socks5.ErrNoAcceptableMethod, hs.Methods, method)
	}

	resp := socks5.HandshakeResponse{Method: method}
	if _, err := resp.WriteTo(conn); err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	if err := c.auth.Authenticate(conn); err != nil {
		return fmt.Errorf("authenticate %v: %w", method, err)
	}
	return nil
}

func writeMethod(conn net.Conn, m socks5.Method) {
	resp := socks5.HandshakeResponse{Method: m}
	_, _ = resp.WriteTo(conn)
}

// contextError attributes an I/O timeout to ctx when ctx is what set the
// deadline.
func contextError(ctx context.Context, err error) error {
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		return err
	}
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %w", cause, err)
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// writeReply sends a Response on conn, closing conn if the write fails.
func writeReply(conn net.Conn, rep socks5.Reply, addr socks5.Address) error {
	resp := socks5.Response{Reply: rep, Address: addr}
	if _, err := resp.WriteTo(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("reply %v: %w", rep, err)
	}
	return nil
}
