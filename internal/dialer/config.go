package dialer

import (
	"net"
	"time"
)

// Config holds settings shared by every outbound dialer.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect. Zero means no limit.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the upstream proxy handshake (TLS, CONNECT,
	// SOCKS5 or SSH). Zero means no limit.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// SSHKeyPath is "agent", a private key file, or empty.
	SSHKeyPath string
	// SSHKnownHostsPath is the known_hosts file. Empty disables host key
	// checking.
	SSHKnownHostsPath string
}
