// Package proxy is the SOCKS5 front end: it accepts client connections,
// drives each through the server handshake, and carries out CONNECT, BIND
// and UDP ASSOCIATE.
//
// CONNECT targets are reached through a dialer.Dialer, so they may go out
// directly or through an upstream proxy. BIND listeners and UDP relay
// sockets are always local, on the IP the client connected to.
package proxy
