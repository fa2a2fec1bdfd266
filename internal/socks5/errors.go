package socks5

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnsupportedVersion is returned when a message's version byte is not
	// Version.
	ErrUnsupportedVersion = errors.New("socks5: unsupported version")
	// ErrUnsupportedCommand is returned for a request whose CMD byte is not
	// CONNECT, BIND or ASSOCIATE.
	ErrUnsupportedCommand = errors.New("socks5: unsupported command")
	// ErrUnsupportedAddressType is returned for an unknown ATYP byte.
	ErrUnsupportedAddressType = errors.New("socks5: unsupported address type")
	// ErrMalformedMessage is returned for truncated or otherwise unparseable
	// messages. Truncation errors also match io.ErrUnexpectedEOF.
	ErrMalformedMessage = errors.New("socks5: malformed message")
	// ErrNoAcceptableMethod is returned when client and server share no
	// authentication method.
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	// ErrAuthenticationFailed is returned by authenticators that reject the
	// client's credentials.
	ErrAuthenticationFailed = errors.New("socks5: authentication failed")
)

// truncated maps an EOF in the middle of a message to ErrMalformedMessage.
// Other errors pass through unchanged.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, io.ErrUnexpectedEOF)
	}
	return err
}

// readVersion reads the leading version byte of a message. A clean EOF here
// means the peer closed between messages and is returned as io.EOF.
func readVersion(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	if b[0] != Version {
		return fmt.Errorf("%w: %#x", ErrUnsupportedVersion, b[0])
	}
	return nil
}
