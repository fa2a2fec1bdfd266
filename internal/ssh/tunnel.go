package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// ContextDialer opens the TCP connection that carries the SSH transport.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TunnelConfig describes how to log in to the SSH server.
type TunnelConfig struct {
	Username string

	// Password and Signers are both offered when set. At least one is
	// required.
	Password string
	Signers  []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	// HandshakeTimeout bounds the SSH handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

// Tunnel multiplexes outbound TCP connections over a shared SSH transport.
type Tunnel struct {
	addr   string
	config *ssh.ClientConfig
	dialer ContextDialer

	handshakeTimeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewTunnel returns a Tunnel to the SSH server at addr. No connection is made
// until the first DialContext.
func NewTunnel(addr string, cfg TunnelConfig, dialer ContextDialer) (*Tunnel, error) {
	if addr == "" {
		return nil, errors.New("ssh tunnel: missing ssh address")
	}
	if cfg.Username == "" {
		return nil, errors.New("ssh tunnel: missing username")
	}
	if cfg.Password == "" && len(cfg.Signers) == 0 {
		return nil, errors.New("ssh tunnel: missing password or key")
	}
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("ssh tunnel: missing host key callback")
	}

	return &Tunnel{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            authMethods(cfg.Password, cfg.Signers),
			HostKeyCallback: cfg.HostKeyCallback,
		},
		dialer:           dialer,
		handshakeTimeout: cfg.HandshakeTimeout,
	}, nil
}

// Addr returns the SSH server address.
func (t *Tunnel) Addr() string { return t.addr }

// DialContext opens a direct-tcpip channel to address. A channel the server
// refuses is reported as is; any other failure is taken to mean the transport
// is dead, and the dial is retried once on a fresh transport.
//
// Canceling ctx closes the returned connection.
func (t *Tunnel) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh tunnel dial %s %s: unsupported network", network, address)
	}

	client, err := t.transport(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	var openErr *ssh.OpenChannelError
	if err != nil && !errors.As(err, &openErr) && ctx.Err() == nil {
		t.discard(client)
		if client, err = t.transport(ctx); err != nil {
			return nil, err
		}
		conn, err = client.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("ssh tunnel dial %s: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &channelConn{Conn: conn, stop: stop}, nil
}

// Close shuts down the shared transport, if any. Later dials reconnect.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// transport returns the shared client, connecting if there is none. One
// connection attempt runs at a time and is not tied to any caller's ctx, so
// a canceled caller does not fail the others waiting on it.
func (t *Tunnel) transport(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := t.sf.DoChan("transport", func() (any, error) {
		t.mu.Lock()
		if t.client != nil {
			c := t.client
			t.mu.Unlock()
			return c, nil
		}
		t.mu.Unlock()

		c, err := t.connect(context.Background())
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		t.client = c
		t.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (t *Tunnel) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	if t.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.handshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, t.addr, t.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", t.addr, err)
	}

	if t.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

// discard drops client if it is still the shared one.
func (t *Tunnel) discard(client *ssh.Client) {
	t.mu.Lock()
	if t.client == client {
		t.client = nil
	}
	t.mu.Unlock()
	_ = client.Close()
}

// channelConn is one direct-tcpip channel.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
