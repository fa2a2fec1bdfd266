// Package server implements the server side of a SOCKS5 connection as a chain
// of phase types.
//
// An IncomingConnection wraps an accepted stream. Handshake negotiates
// authentication, reads the client's request and returns one of *Connect,
// *Bind or *Associate. Each of those only offers the reply that the protocol
// allows next, and each reply returns the handle for the following phase:
//
//	*Connect   --Reply--> *ConnectReady
//	*Associate --Reply--> *AssociateReady
//	*Bind      --Reply--> *BindPending --Reply--> *BindReady
//
// Relay operations (Read, Write, WaitClose) exist only on the final phase
// types, so relaying before the reply sequence is complete does not compile.
// A transition moves the stream into the returned handle and invalidates the
// receiver; calling a transition twice on the same value returns
// ErrHandleConsumed instead of writing a second reply.
//
// AssociateUDPConn adds and strips the SOCKS5 UDP header on a datagram
// socket for the data phase of an ASSOCIATE session.
package server
