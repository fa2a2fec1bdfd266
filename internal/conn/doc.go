// Package conn holds listener helpers shared by the SOCKS5 front end: TCP
// keepalive on accepted connections, SO_REUSEPORT, and --tcp-keepalive flag
// parsing.
package conn
