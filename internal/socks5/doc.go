// Package socks5 implements the SOCKS5 (RFC 1928) wire format.
//
// It encodes and decodes the method-negotiation handshake, command requests,
// replies and the UDP relay header, all built on the variable-length Address
// encoding. Decoders read from an io.Reader and never buffer past the end of
// the message, so they can be used directly on a net.Conn. Encoders are
// available both as AppendTo (for callers assembling a datagram) and as
// io.WriterTo.
//
// Decode failures are reported as wrapped sentinel errors (ErrUnsupportedVersion,
// ErrUnsupportedCommand, ErrUnsupportedAddressType, ErrMalformedMessage) and
// should be matched with errors.Is.
package socks5
