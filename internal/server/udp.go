package server

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/die-net/socks5d/internal/socks5"
)

// ErrNotConnected is returned by Send when no default peer has been set.
var ErrNotConnected = errors.New("socks5 server: udp relay has no default peer")

// AssociateUDPConn frames datagrams on a UDP socket with the SOCKS5 UDP
// header. Reads strip the header and drop datagrams that do not carry a
// valid one; writes prepend it.
//
// Recv/RecvFrom and Send/SendTo may be called from different goroutines.
type AssociateUDPConn struct {
	conn *net.UDPConn
	peer atomic.Pointer[netip.AddrPort]
}

// NewAssociateUDPConn wraps conn. The AssociateUDPConn takes ownership of it.
func NewAssociateUDPConn(conn *net.UDPConn) *AssociateUDPConn {
	return &AssociateUDPConn{conn: conn}
}

// Connect sets the default peer. Afterwards Send writes to it, and Recv and
// RecvFrom drop datagrams from any other source.
func (u *AssociateUDPConn) Connect(peer netip.AddrPort) {
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	u.peer.Store(&peer)
}

// PeerAddr returns the default peer, if one is set.
func (u *AssociateUDPConn) PeerAddr() (netip.AddrPort, bool) {
	p := u.peer.Load()
	if p == nil {
		return netip.AddrPort{}, false
	}
	return *p, true
}

func (u *AssociateUDPConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }

func (u *AssociateUDPConn) Close() error { return u.conn.Close() }

// UDPConn returns the underlying socket.
func (u *AssociateUDPConn) UDPConn() *net.UDPConn { return u.conn }

// Recv returns the payload, fragment number and header address of the next
// well-formed datagram.
func (u *AssociateUDPConn) Recv() (payload []byte, frag byte, addr socks5.Address, err error) {
	payload, frag, addr, _, err = u.RecvFrom()
	return payload, frag, addr, err
}

// RecvFrom is like Recv and also returns the datagram's source address.
// Malformed datagrams are skipped; only socket errors are returned.
func (u *AssociateUDPConn) RecvFrom() (payload []byte, frag byte, addr socks5.Address, src netip.AddrPort, err error) {
	bp := datagramPool.Get()
	defer datagramPool.Put(bp)
	buf := *bp

	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return nil, 0, socks5.Address{}, netip.AddrPort{}, err
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if p := u.peer.Load(); p != nil && *p != from {
			continue
		}

		h, hl, err := socks5.ParseUDPHeader(buf[:n])
		if err != nil {
			continue
		}
		return bytes.Clone(buf[hl:n]), h.Frag, h.Address, from, nil
	}
}

// Send writes payload to the default peer, framed with a header carrying frag
// and from. It returns the number of payload bytes written.
func (u *AssociateUDPConn) Send(payload []byte, frag byte, from socks5.Address) (int, error) {
	p := u.peer.Load()
	if p == nil {
		return 0, ErrNotConnected
	}
	return u.SendTo(payload, frag, from, *p)
}

// SendTo writes payload to dst, framed with a header carrying frag and from.
// It returns the number of payload bytes written.
func (u *AssociateUDPConn) SendTo(payload []byte, frag byte, from socks5.Address, dst netip.AddrPort) (int, error) {
	h := socks5.UDPHeader{Frag: frag, Address: from}
	hl := h.Len()
	if hl+len(payload) > MaxDatagramSize {
		return 0, fmt.Errorf("socks5 server: %d byte payload too large for udp relay", len(payload))
	}

	buf := make([]byte, 0, hl+len(payload))
	buf = h.AppendTo(buf)
	buf = append(buf, payload...)

	n, err := u.conn.WriteToUDPAddrPort(buf, dst)
	if n < hl {
		n = hl
	}
	return n - hl, err
}
