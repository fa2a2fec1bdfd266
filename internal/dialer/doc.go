// Package dialer opens the outbound TCP connections a SOCKS5 CONNECT is
// relayed to.
//
// Connections go out directly or through an upstream HTTP CONNECT, SOCKS5 or
// SSH proxy, chosen by the --upstream URL.
package dialer
