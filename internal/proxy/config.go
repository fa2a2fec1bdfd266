package proxy

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/die-net/socks5d/internal/dialer"
	"github.com/die-net/socks5d/internal/server"
)

// Resolver looks up domain names in ASSOCIATE datagrams. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Config struct {
	// NegotiationTimeout bounds method selection, authentication and the
	// request. Zero means no limit.
	NegotiationTimeout time.Duration

	// KeepAlive is applied to connections accepted for BIND.
	KeepAlive net.KeepAliveConfig

	// Dialer reaches CONNECT targets.
	Dialer dialer.Dialer

	// Auth is the authentication policy. Nil means server.NoAuth.
	Auth server.Authenticator

	// StrictReserved rejects requests with a non-zero reserved byte.
	StrictReserved bool

	DisableBind      bool
	DisableAssociate bool

	// BindTimeout bounds the wait for the inbound BIND connection. Zero
	// means no limit.
	BindTimeout time.Duration

	// UDPIdleTimeout ends an association after this long without a
	// datagram in either direction. Zero means no limit.
	UDPIdleTimeout time.Duration

	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
}
