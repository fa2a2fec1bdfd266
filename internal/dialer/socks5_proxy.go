package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socks5d/internal/socks5"
)

// ReplyError is a non-success reply from an upstream SOCKS5 proxy. Servers
// can pass Reply on to their own clients unchanged.
type ReplyError struct {
	Reply socks5.Reply
}

func (e *ReplyError) Error() string {
	return "socks5 upstream: " + e.Reply.String()
}

// SOCKS5ProxyDialer reaches targets through an upstream SOCKS5 proxy's
// CONNECT command.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
	direct    Dialer
}

// NewSOCKS5ProxyDialer returns a dialer for the proxy at proxyAddr. Username
// and password authentication is offered when username is non-empty.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		username:  username,
		password:  password,
		direct:    NewDirectDialer(cfg),
	}
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	target, err := socks5.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial: %w", err)
	}

	c, err := d.direct.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}

	if err := d.negotiate(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy %s: %w", d.proxyAddr, err)
	}
	if err := connect(c, target); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy connect %s: %w", address, err)
	}

	if !stop() {
		_ = c.Close()
		return nil, ctx.Err()
	}
	_ = c.SetDeadline(time.Time{})
	return c, nil
}

func (d *SOCKS5ProxyDialer) negotiate(c net.Conn) error {
	req := socks5.HandshakeRequest{Methods: []socks5.Method{socks5.MethodNoAuth}}
	if d.username != "" {
		req.Methods = append(req.Methods, socks5.MethodUserPass)
	}
	if _, err := req.WriteTo(c); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	resp, err := socks5.ReadHandshakeResponse(c)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}

	switch resp.Method {
	case socks5.MethodNoAuth:
		return nil
	case socks5.MethodUserPass:
		if d.username == "" {
			return errors.New("server requires username/password")
		}
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(d.username), []byte(d.password)).WriteTo(c); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(c)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return socks5.ErrAuthenticationFailed
		}
		return nil
	case socks5.MethodNoAcceptable:
		return socks5.ErrNoAcceptableMethod
	default:
		return fmt.Errorf("server chose unoffered method %v", resp.Method)
	}
}

func connect(c net.Conn, target socks5.Address) error {
	req := socks5.Request{Command: socks5.CmdConnect, Address: target}
	if _, err := req.WriteTo(c); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	resp, err := socks5.ReadResponse(c)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if resp.Reply != socks5.ReplySucceeded {
		return &ReplyError{Reply: resp.Reply}
	}
	return nil
}
