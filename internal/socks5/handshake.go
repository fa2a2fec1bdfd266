package socks5

import (
	"fmt"
	"io"
)

// Version is the SOCKS protocol version byte.
const Version byte = 0x05

// Method identifies an authentication method. Values without a named
// constant are carried through unchanged.
type Method byte

const (
	MethodNoAuth       Method = 0x00
	MethodGSSAPI       Method = 0x01
	MethodUserPass     Method = 0x02
	MethodNoAcceptable Method = 0xff
)

func (m Method) String() string {
	switch m {
	case MethodNoAuth:
		return "no-auth"
	case MethodGSSAPI:
		return "gssapi"
	case MethodUserPass:
		return "username/password"
	case MethodNoAcceptable:
		return "no-acceptable"
	default:
		return fmt.Sprintf("method(%#x)", byte(m))
	}
}

// HandshakeRequest is the client's method-selection message.
//
//	+-----+----------+----------+
//	| VER | NMETHODS | METHODS  |
//	+-----+----------+----------+
//	|  1  |    1     | 1 to 255 |
//	+-----+----------+----------+
//
// Methods are kept in the order the client sent them.
type HandshakeRequest struct {
	Methods []Method
}

// ReadHandshakeRequest decodes a HandshakeRequest from r.
func ReadHandshakeRequest(r io.Reader) (*HandshakeRequest, error) {
	if err := readVersion(r); err != nil {
		return nil, err
	}

	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, truncated(err)
	}
	if n[0] == 0 {
		return nil, fmt.Errorf("%w: no methods offered", ErrMalformedMessage)
	}

	raw := make([]byte, n[0])
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, truncated(err)
	}

	methods := make([]Method, len(raw))
	for i, m := range raw {
		methods[i] = Method(m)
	}
	return &HandshakeRequest{Methods: methods}, nil
}

// Contains reports whether m is among the offered methods.
func (h *HandshakeRequest) Contains(m Method) bool {
	for _, o := range h.Methods {
		if o == m {
			return true
		}
	}
	return false
}

func (h *HandshakeRequest) Len() int {
	return 2 + len(h.Methods)
}

// AppendTo appends the encoded request to b. It assumes 1 to 255 methods;
// WriteTo checks that.
func (h *HandshakeRequest) AppendTo(b []byte) []byte {
	b = append(b, Version, byte(len(h.Methods)))
	for _, m := range h.Methods {
		b = append(b, byte(m))
	}
	return b
}

func (h *HandshakeRequest) WriteTo(w io.Writer) (int64, error) {
	if len(h.Methods) == 0 || len(h.Methods) > 255 {
		return 0, fmt.Errorf("%w: %d methods", ErrMalformedMessage, len(h.Methods))
	}
	n, err := w.Write(h.AppendTo(make([]byte, 0, h.Len())))
	return int64(n), err
}

// HandshakeResponse is the server's method selection.
//
//	+-----+--------+
//	| VER | METHOD |
//	+-----+--------+
//	|  1  |   1    |
//	+-----+--------+
type HandshakeResponse struct {
	Method Method
}

// ReadHandshakeResponse decodes a HandshakeResponse from r.
func ReadHandshakeResponse(r io.Reader) (*HandshakeResponse, error) {
	if err := readVersion(r); err != nil {
		return nil, err
	}

	var m [1]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return nil, truncated(err)
	}
	return &HandshakeResponse{Method: Method(m[0])}, nil
}

func (h *HandshakeResponse) Len() int { return 2 }

func (h *HandshakeResponse) AppendTo(b []byte) []byte {
	return append(b, Version, byte(h.Method))
}

func (h *HandshakeResponse) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.AppendTo(make([]byte, 0, 2)))
	return int64(n), err
}
