package socks5

import (
	"bytes"
	"fmt"
	"io"
)

// MinUDPHeaderLen is the size of the smallest UDP header (IPv4 address).
const MinUDPHeaderLen = 2 + 1 + 1 + 4 + 2

// UDPHeader prefixes every datagram relayed for an ASSOCIATE session.
//
//	+-----+------+------+----------+----------+----------+
//	| RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+-----+------+------+----------+----------+----------+
//	|  2  |  1   |  1   | Variable |    2     | Variable |
//	+-----+------+------+----------+----------+----------+
//
// Frag 0 marks a standalone datagram. Other values are carried as-is; the
// codec does not reassemble.
type UDPHeader struct {
	Frag    byte
	Address Address
}

// ReadUDPHeader decodes a UDPHeader from r. The reserved field is ignored.
func ReadUDPHeader(r io.Reader) (*UDPHeader, error) {
	var hdr [3]byte // RSV RSV FRAG
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, truncated(err)
	}
	addr, err := ReadAddress(r)
	if err != nil {
		return nil, err
	}
	return &UDPHeader{Frag: hdr[2], Address: addr}, nil
}

// ParseUDPHeader decodes the header at the start of datagram and returns it
// with its encoded length; the payload is datagram[n:].
func ParseUDPHeader(datagram []byte) (h UDPHeader, n int, err error) {
	if len(datagram) < MinUDPHeaderLen {
		return UDPHeader{}, 0, fmt.Errorf("%w: %d byte datagram", ErrMalformedMessage, len(datagram))
	}
	br := bytes.NewReader(datagram)
	hp, err := ReadUDPHeader(br)
	if err != nil {
		return UDPHeader{}, 0, err
	}
	return *hp, len(datagram) - br.Len(), nil
}

func (h *UDPHeader) Len() int { return 3 + h.Address.Len() }

func (h *UDPHeader) AppendTo(b []byte) []byte {
	b = append(b, 0x00, 0x00, h.Frag)
	return h.Address.AppendTo(b)
}

func (h *UDPHeader) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.AppendTo(make([]byte, 0, h.Len())))
	return int64(n), err
}
