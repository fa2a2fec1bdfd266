package socks5

import (
	"fmt"
	"io"
)

// Command is the CMD byte of a request.
type Command byte

const (
	CmdConnect   Command = 0x01
	CmdBind      Command = 0x02
	CmdAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdAssociate:
		return "ASSOCIATE"
	default:
		return fmt.Sprintf("cmd(%#x)", byte(c))
	}
}

// Reply is the REP byte of a response. Unassigned values are preserved.
type Reply byte

const (
	ReplySucceeded               Reply = 0x00
	ReplyGeneralFailure          Reply = 0x01
	ReplyNotAllowed              Reply = 0x02
	ReplyNetworkUnreachable      Reply = 0x03
	ReplyHostUnreachable         Reply = 0x04
	ReplyConnectionRefused       Reply = 0x05
	ReplyTTLExpired              Reply = 0x06
	ReplyCommandNotSupported     Reply = 0x07
	ReplyAddressTypeNotSupported Reply = 0x08
)

var replyText = [...]string{
	ReplySucceeded:               "succeeded",
	ReplyGeneralFailure:          "general SOCKS server failure",
	ReplyNotAllowed:              "connection not allowed by ruleset",
	ReplyNetworkUnreachable:      "network unreachable",
	ReplyHostUnreachable:         "host unreachable",
	ReplyConnectionRefused:       "connection refused",
	ReplyTTLExpired:              "TTL expired",
	ReplyCommandNotSupported:     "command not supported",
	ReplyAddressTypeNotSupported: "address type not supported",
}

func (r Reply) String() string {
	if int(r) < len(replyText) {
		return replyText[r]
	}
	return fmt.Sprintf("reply(%#x)", byte(r))
}

// Request is a client command.
//
//	+-----+-----+-------+------+----------+----------+
//	| VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-------+------+----------+----------+
//	|  1  |  1  | X'00' |  1   | Variable |    2     |
//	+-----+-----+-------+------+----------+----------+
type Request struct {
	Command Command
	Address Address
}

// ReadRequest decodes a Request from r. The reserved byte is read and
// ignored.
func ReadRequest(r io.Reader) (*Request, error) {
	return readRequest(r, false)
}

// ReadRequestStrict is like ReadRequest but rejects a non-zero reserved byte
// with ErrMalformedMessage.
func ReadRequestStrict(r io.Reader) (*Request, error) {
	return readRequest(r, true)
}

func readRequest(r io.Reader, strict bool) (*Request, error) {
	cmd, addr, err := readCommandMessage(r, strict, validCommand)
	if err != nil {
		return nil, err
	}
	return &Request{Command: Command(cmd), Address: addr}, nil
}

func validCommand(b byte) error {
	switch Command(b) {
	case CmdConnect, CmdBind, CmdAssociate:
		return nil
	default:
		return fmt.Errorf("%w: %#x", ErrUnsupportedCommand, b)
	}
}

func (q *Request) Len() int { return 3 + q.Address.Len() }

func (q *Request) AppendTo(b []byte) []byte {
	b = append(b, Version, byte(q.Command), 0x00)
	return q.Address.AppendTo(b)
}

func (q *Request) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(q.AppendTo(make([]byte, 0, q.Len())))
	return int64(n), err
}

// Response is the server's reply to a Request.
//
//	+-----+-----+-------+------+----------+----------+
//	| VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+-----+-----+-------+------+----------+----------+
//	|  1  |  1  | X'00' |  1   | Variable |    2     |
//	+-----+-----+-------+------+----------+----------+
type Response struct {
	Reply   Reply
	Address Address
}

// ReadResponse decodes a Response from r. The reserved byte is ignored.
func ReadResponse(r io.Reader) (*Response, error) {
	rep, addr, err := readCommandMessage(r, false, nil)
	if err != nil {
		return nil, err
	}
	return &Response{Reply: Reply(rep), Address: addr}, nil
}

func (p *Response) Len() int { return 3 + p.Address.Len() }

func (p *Response) AppendTo(b []byte) []byte {
	b = append(b, Version, byte(p.Reply), 0x00)
	return p.Address.AppendTo(b)
}

func (p *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.AppendTo(make([]byte, 0, p.Len())))
	return int64(n), err
}

// readCommandMessage reads the VER CMD|REP RSV ATYP ADDR PORT layout shared
// by requests and responses. check, if set, vets the second byte before
// anything further is read.
func readCommandMessage(r io.Reader, strict bool, check func(byte) error) (byte, Address, error) {
	if err := readVersion(r); err != nil {
		return 0, Address{}, err
	}

	var hdr [2]byte // CMD|REP, RSV
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return 0, Address{}, truncated(err)
	}
	if check != nil {
		if err := check(hdr[0]); err != nil {
			return 0, Address{}, err
		}
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return 0, Address{}, truncated(err)
	}
	if strict && hdr[1] != 0x00 {
		return 0, Address{}, fmt.Errorf("%w: reserved byte %#x", ErrMalformedMessage, hdr[1])
	}

	addr, err := ReadAddress(r)
	if err != nil {
		return 0, Address{}, err
	}
	return hdr[0], addr, nil
}
