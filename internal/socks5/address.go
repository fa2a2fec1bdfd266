package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

// AddrType is the ATYP byte that tags an encoded address.
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

func (t AddrType) String() string {
	switch t {
	case AddrIPv4:
		return "ipv4"
	case AddrDomain:
		return "domain"
	case AddrIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("atyp(%#x)", byte(t))
	}
}

// MaxDomainLen is the longest domain name the one-byte length prefix can carry.
const MaxDomainLen = 255

// Address is a SOCKS5 address: an IPv4 or IPv6 socket address, or a domain
// name and port.
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//	+------+----------+----------+
//
// Address is comparable. The zero value encodes as 0.0.0.0:0, and the IPv4
// address 0.0.0.0 is always held as the zero netip.Addr so that decoding
// gives back an equal value.
type Address struct {
	ip     netip.Addr
	domain string
	port   uint16
}

// AddressFromAddrPort returns an IP address. IPv4-mapped IPv6 addresses keep
// their 16-byte form on the wire; unmap first to send them as IPv4.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	return Address{ip: canonicalIP(ap.Addr().WithZone("")), port: ap.Port()}
}

func canonicalIP(ip netip.Addr) netip.Addr {
	if ip == netip.IPv4Unspecified() {
		return netip.Addr{}
	}
	return ip
}

// DomainAddress returns a domain-name address.
func DomainAddress(name string, port uint16) (Address, error) {
	if name == "" {
		return Address{}, errors.New("socks5: empty domain name")
	}
	if len(name) > MaxDomainLen {
		return Address{}, fmt.Errorf("socks5: domain name %d bytes long, max %d", len(name), MaxDomainLen)
	}
	return Address{domain: name, port: port}, nil
}

// UnspecifiedAddress returns 0.0.0.0:0, used in replies that carry no
// meaningful bound address.
func UnspecifiedAddress() Address {
	return Address{}
}

// ParseAddress parses "host:port". Hosts that parse as IP literals become IP
// addresses, anything else a domain name.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("socks5: parse address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("socks5: parse port %q: %w", portStr, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return AddressFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(port))), nil
	}
	return DomainAddress(host, uint16(port))
}

// AddressFromNetAddr converts a *net.TCPAddr or *net.UDPAddr. Other address
// kinds go through ParseAddress on their String form.
func AddressFromNetAddr(a net.Addr) (Address, error) {
	switch a := a.(type) {
	case *net.TCPAddr:
		return AddressFromAddrPort(unmapAddrPort(a.AddrPort())), nil
	case *net.UDPAddr:
		return AddressFromAddrPort(unmapAddrPort(a.AddrPort())), nil
	case nil:
		return Address{}, errors.New("socks5: nil address")
	default:
		return ParseAddress(a.String())
	}
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Type reports which ATYP the address encodes as.
func (a Address) Type() AddrType {
	switch {
	case a.domain != "":
		return AddrDomain
	case a.ip.Is6():
		return AddrIPv6
	default:
		return AddrIPv4
	}
}

// AddrPort returns the IP socket address. ok is false for domain addresses.
func (a Address) AddrPort() (ap netip.AddrPort, ok bool) {
	if a.domain != "" {
		return netip.AddrPort{}, false
	}
	ip := a.ip
	if !ip.IsValid() {
		ip = netip.IPv4Unspecified()
	}
	return netip.AddrPortFrom(ip, a.port), true
}

// Domain returns the domain name, or "" for IP addresses.
func (a Address) Domain() string { return a.domain }

func (a Address) Port() uint16 { return a.port }

// IsUnspecified reports whether the address is an all-zeros IP with port 0.
func (a Address) IsUnspecified() bool {
	return a.domain == "" && a.port == 0 && (!a.ip.IsValid() || a.ip.IsUnspecified())
}

// String returns "host:port", suitable for net.Dial.
func (a Address) String() string {
	if a.domain != "" {
		return net.JoinHostPort(a.domain, strconv.Itoa(int(a.port)))
	}
	ap, _ := a.AddrPort()
	return ap.String()
}

// Len returns the encoded size in bytes.
func (a Address) Len() int {
	switch a.Type() {
	case AddrDomain:
		return 1 + 1 + len(a.domain) + 2
	case AddrIPv6:
		return 1 + net.IPv6len + 2
	default:
		return 1 + net.IPv4len + 2
	}
}

// AppendTo appends the encoded address to b.
func (a Address) AppendTo(b []byte) []byte {
	b = append(b, byte(a.Type()))
	switch a.Type() {
	case AddrDomain:
		b = append(b, byte(len(a.domain)))
		b = append(b, a.domain...)
	case AddrIPv6:
		ip := a.ip.As16()
		b = append(b, ip[:]...)
	default:
		var ip [4]byte
		if a.ip.IsValid() {
			ip = a.ip.As4()
		}
		b = append(b, ip[:]...)
	}
	return binary.BigEndian.AppendUint16(b, a.port)
}

// WriteTo writes the encoded address to w.
func (a Address) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(a.AppendTo(make([]byte, 0, a.Len())))
	return int64(n), err
}

// ReadAddress decodes one address from r.
func ReadAddress(r io.Reader) (Address, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Address{}, truncated(err)
	}
	return readAddressBody(r, AddrType(atyp[0]))
}

func readAddressBody(r io.Reader, atyp AddrType) (Address, error) {
	var a Address
	switch atyp {
	case AddrIPv4:
		var b [net.IPv4len + 2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Address{}, truncated(err)
		}
		a.ip = canonicalIP(netip.AddrFrom4([4]byte(b[:net.IPv4len])))
		a.port = binary.BigEndian.Uint16(b[net.IPv4len:])
	case AddrIPv6:
		var b [net.IPv6len + 2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Address{}, truncated(err)
		}
		a.ip = netip.AddrFrom16([16]byte(b[:net.IPv6len]))
		a.port = binary.BigEndian.Uint16(b[net.IPv6len:])
	case AddrDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Address{}, truncated(err)
		}
		if l[0] == 0 {
			return Address{}, fmt.Errorf("%w: empty domain name", ErrMalformedMessage)
		}
		b := make([]byte, int(l[0])+2)
		if _, err := io.ReadFull(r, b); err != nil {
			return Address{}, truncated(err)
		}
		a.domain = string(b[:l[0]])
		a.port = binary.BigEndian.Uint16(b[l[0]:])
	default:
		return Address{}, fmt.Errorf("%w: %#x", ErrUnsupportedAddressType, byte(atyp))
	}
	return a, nil
}
