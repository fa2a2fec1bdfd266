package server

import (
	"crypto/subtle"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socks5d/internal/socks5"
)

// Authenticator is a server authentication policy. Method is offered during
// negotiation; Authenticate runs the method's sub-negotiation once the client
// has agreed to it.
type Authenticator interface {
	Method() socks5.Method
	Authenticate(rw io.ReadWriter) error
}

// NoAuth accepts every client without a sub-negotiation.
type NoAuth struct{}

func (NoAuth) Method() socks5.Method { return socks5.MethodNoAuth }

func (NoAuth) Authenticate(io.ReadWriter) error { return nil }

// PasswordAuth implements RFC 1929 username/password authentication.
type PasswordAuth struct {
	// Validate reports whether the credentials are acceptable.
	Validate func(username, password string) bool
}

// NewPasswordAuth returns a PasswordAuth that accepts a single username and
// password pair.
func NewPasswordAuth(username, password string) *PasswordAuth {
	return &PasswordAuth{Validate: func(u, p string) bool {
		uok := subtle.ConstantTimeCompare([]byte(u), []byte(username))
		pok := subtle.ConstantTimeCompare([]byte(p), []byte(password))
		return uok&pok == 1
	}}
}

func (*PasswordAuth) Method() socks5.Method { return socks5.MethodUserPass }

func (a *PasswordAuth) Authenticate(rw io.ReadWriter) error {
	req, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}

	if a.Validate == nil || !a.Validate(string(req.Uname), string(req.Passwd)) {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
		return fmt.Errorf("%w: user %q", socks5.ErrAuthenticationFailed, req.Uname)
	}

	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}
