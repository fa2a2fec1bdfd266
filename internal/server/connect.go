package server

import (
	"net"

	"github.com/die-net/socks5d/internal/socks5"
)

// Connect is a CONNECT request waiting for its reply.
type Connect struct {
	conn   net.Conn
	target socks5.Address
}

func (*Connect) connection() {}

func (c *Connect) Target() socks5.Address { return c.target }

// Reply sends the reply and hands the stream over to the returned
// ConnectReady. A non-success reply still yields a ConnectReady; the caller
// is expected to close it.
func (c *Connect) Reply(rep socks5.Reply, addr socks5.Address) (*ConnectReady, error) {
	conn := c.conn
	if conn == nil {
		return nil, ErrHandleConsumed
	}
	c.conn = nil

	if err := writeReply(conn, rep, addr); err != nil {
		return nil, err
	}
	return &ConnectReady{Conn: conn}, nil
}

func (c *Connect) Close() error {
	if c.conn == nil {
		return ErrHandleConsumed
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ConnectReady is a CONNECT session whose reply has been sent. The embedded
// net.Conn carries the relayed bytes with no further framing.
type ConnectReady struct {
	net.Conn
}
