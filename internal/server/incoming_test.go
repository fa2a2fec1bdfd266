package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socks5d/internal/socks5"
	"github.com/die-net/socks5d/internal/testutil"
)

type handshakeResult struct {
	conn Connection
	err  error
}

func startHandshake(ctx context.Context, conn net.Conn, auth Authenticator, opts ...Option) <-chan handshakeResult {
	ch := make(chan handshakeResult, 1)
	go func() {
		c, err := NewIncomingConnection(conn, auth, opts...).Handshake(ctx)
		ch <- handshakeResult{c, err}
	}()
	return ch
}

func readExactly(t *testing.T, r io.Reader, want []byte) {
	t.Helper()

	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read %v, want %v", got, want)
	}
}

func expectEOF(t *testing.T, r io.Reader) {
	t.Helper()

	if n, err := r.Read(make([]byte, 1)); n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("read n=%d err=%v, want EOF", n, err)
	}
}

func TestHandshakeConnectNoAuth(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	res := startHandshake(context.Background(), srv, NoAuth{})

	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	readExactly(t, client, []byte{0x05, 0x00})

	if _, err := client.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}

	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}
	c, ok := r.conn.(*Connect)
	if !ok {
		t.Fatalf("got %T, want *Connect", r.conn)
	}
	if c.Target().String() != "127.0.0.1:80" {
		t.Fatalf("target = %v", c.Target())
	}

	readyCh := make(chan *ConnectReady, 1)
	go func() {
		ready, err := c.Reply(socks5.ReplySucceeded, socks5.UnspecifiedAddress())
		if err != nil {
			t.Error(err)
		}
		readyCh <- ready
	}()
	readExactly(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	ready := <-readyCh
	if ready == nil {
		t.FailNow()
	}
	defer ready.Close()

	go func() { _, _ = client.Write([]byte("hello")) }()
	readExactly(t, ready, []byte("hello"))
}

func TestHandshakeNoAcceptableMethod(t *testing.T) {
	client, srv := testutil.TCPPair(t)

	res := startHandshake(context.Background(), srv, NoAuth{})

	if _, err := client.Write([]byte{0x05, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	readExactly(t, client, []byte{0x05, 0xff})

	r := <-res
	if !errors.Is(r.err, socks5.ErrNoAcceptableMethod) {
		t.Fatalf("err = %v, want ErrNoAcceptableMethod", r.err)
	}
	if r.conn != nil {
		t.Fatalf("got connection %T", r.conn)
	}

	// The server closed without waiting for a request.
	expectEOF(t, client)
}

func TestHandshakeNoMethods(t *testing.T) {
	client, srv := testutil.TCPPair(t)

	res := startHandshake(context.Background(), srv, NoAuth{})

	if _, err := client.Write([]byte{0x05, 0x00}); err != nil {
		t.Fatal(err)
	}
	readExactly(t, client, []byte{0x05, 0xff})

	r := <-res
	if !errors.Is(r.err, socks5.ErrMalformedMessage) {
		t.Fatalf("err = %v, want ErrMalformedMessage", r.err)
	}
	expectEOF(t, client)
}

func TestHandshakeBadVersion(t *testing.T) {
	client, srv := testutil.TCPPair(t)

	res := startHandshake(context.Background(), srv, NoAuth{})

	if _, err := client.Write([]byte{0x04}); err != nil {
		t.Fatal(err)
	}
	readExactly(t, client, []byte{0x05, 0xff})

	r := <-res
	if !errors.Is(r.err, socks5.ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", r.err)
	}
	expectEOF(t, client)
}

func TestHandshakeBadRequest(t *testing.T) {
	tests := []struct {
		name    string
		request []byte
		opts    []Option
		wantErr error
	}{
		{name: "unsupported command", request: []byte{0x05, 0x09}, wantErr: socks5.ErrUnsupportedCommand},
		{name: "bad address type", request: []byte{0x05, 0x01, 0x00, 0x02}, wantErr: socks5.ErrUnsupportedAddressType},
		{name: "bad version", request: []byte{0x04}, wantErr: socks5.ErrUnsupportedVersion},
		{name: "strict reserved", request: []byte{0x05, 0x01, 0x01}, opts: []Option{WithStrictReserved()}, wantErr: socks5.ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := testutil.TCPPair(t)

			res := startHandshake(context.Background(), srv, NoAuth{}, tt.opts...)

			if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
				t.Fatal(err)
			}
			readExactly(t, client, []byte{0x05, 0x00})

			if _, err := client.Write(tt.request); err != nil {
				t.Fatal(err)
			}
			readExactly(t, client, []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

			r := <-res
			if !errors.Is(r.err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", r.err, tt.wantErr)
			}
			expectEOF(t, client)
		})
	}
}

func TestHandshakeTruncatedRequest(t *testing.T) {
	client, srv := testutil.TCPPair(t)

	res := startHandshake(context.Background(), srv, NoAuth{})

	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	readExactly(t, client, []byte{0x05, 0x00})

	if _, err := client.Write([]byte{0x05, 0x01, 0x00, 0x01, 127}); err != nil {
		t.Fatal(err)
	}
	if err := client.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	r := <-res
	if !errors.Is(r.err, socks5.ErrMalformedMessage) {
		t.Fatalf("err = %v, want ErrMalformedMessage", r.err)
	}
}

func TestHandshakeDispatch(t *testing.T) {
	tests := []struct {
		cmd  socks5.Command
		want string
	}{
		{cmd: socks5.CmdConnect, want: "*server.Connect"},
		{cmd: socks5.CmdBind, want: "*server.Bind"},
		{cmd: socks5.CmdAssociate, want: "*server.Associate"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			client, srv := testutil.TCPPair(t)

			res := startHandshake(context.Background(), srv, NoAuth{})

			if _, err := client.Write([]byte{0x05, 0x02, 0x02, 0x00}); err != nil {
				t.Fatal(err)
			}
			readExactly(t, client, []byte{0x05, 0x00})

			target, err := socks5.ParseAddress("example.com:443")
			if err != nil {
				t.Fatal(err)
			}
			req := &socks5.Request{Command: tt.cmd, Address: target}
			if _, err := req.WriteTo(client); err != nil {
				t.Fatal(err)
			}

			r := <-res
			if r.err != nil {
				t.Fatal(r.err)
			}
			defer r.conn.Close()

			if got := typeName(r.conn); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
			if r.conn.Target() != target {
				t.Fatalf("target = %v, want %v", r.conn.Target(), target)
			}
		})
	}
}

func typeName(c Connection) string {
	switch c.(type) {
	case *Connect:
		return "*server.Connect"
	case *Bind:
		return "*server.Bind"
	case *Associate:
		return "*server.Associate"
	default:
		return "unknown"
	}
}

func TestHandshakePasswordAuth(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr error
	}{
		{name: "valid", user: "user", pass: "pass"},
		{name: "bad password", user: "user", pass: "nope", wantErr: socks5.ErrAuthenticationFailed},
		{name: "bad user", user: "root", pass: "pass", wantErr: socks5.ErrAuthenticationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := testutil.TCPPair(t)

			res := startHandshake(context.Background(), srv, NewPasswordAuth("user", "pass"))

			if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}).WriteTo(client); err != nil {
				t.Fatal(err)
			}
			neg, err := txsocks5.NewNegotiationReplyFrom(client)
			if err != nil {
				t.Fatal(err)
			}
			if neg.Method != txsocks5.MethodUsernamePassword {
				t.Fatalf("method = %#x", neg.Method)
			}

			if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(tt.user), []byte(tt.pass)).WriteTo(client); err != nil {
				t.Fatal(err)
			}
			rep, err := txsocks5.NewUserPassNegotiationReplyFrom(client)
			if err != nil {
				t.Fatal(err)
			}

			if tt.wantErr != nil {
				if rep.Status != txsocks5.UserPassStatusFailure {
					t.Fatalf("status = %#x, want failure", rep.Status)
				}
				r := <-res
				if !errors.Is(r.err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", r.err, tt.wantErr)
				}
				expectEOF(t, client)
				return
			}

			if rep.Status != txsocks5.UserPassStatusSuccess {
				t.Fatalf("status = %#x, want success", rep.Status)
			}
			if _, err := client.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
				t.Fatal(err)
			}
			r := <-res
			if r.err != nil {
				t.Fatal(r.err)
			}
			defer r.conn.Close()
			if _, ok := r.conn.(*Associate); !ok {
				t.Fatalf("got %T, want *Associate", r.conn)
			}
		})
	}
}

func TestHandshakeContext(t *testing.T) {
	t.Run("deadline", func(t *testing.T) {
		client, srv := testutil.TCPPair(t)
		_ = client

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		r := <-startHandshake(ctx, srv, NoAuth{})
		if !errors.Is(r.err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want DeadlineExceeded", r.err)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		client, srv := testutil.TCPPair(t)
		_ = client

		ctx, cancel := context.WithCancel(context.Background())
		res := startHandshake(ctx, srv, NoAuth{})
		time.Sleep(20 * time.Millisecond)
		cancel()

		r := <-res
		if !errors.Is(r.err, context.Canceled) {
			t.Fatalf("err = %v, want Canceled", r.err)
		}
	})

	t.Run("deadline cleared after success", func(t *testing.T) {
		client, srv := testutil.TCPPair(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		res := startHandshake(ctx, srv, NoAuth{})
		if _, err := client.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80}); err != nil {
			t.Fatal(err)
		}
		r := <-res
		if r.err != nil {
			t.Fatal(r.err)
		}
		readExactly(t, client, []byte{0x05, 0x00})
		cancel()

		ready, err := r.conn.(*Connect).Reply(socks5.ReplySucceeded, socks5.UnspecifiedAddress())
		if err != nil {
			t.Fatal(err)
		}
		defer ready.Close()
		readExactly(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		testutil.AssertEcho(t, client, ready, []byte("still open"))
	})
}

func TestHandshakeTwice(t *testing.T) {
	client, srv := testutil.TCPPair(t)
	_ = client

	ic := NewIncomingConnection(srv, NoAuth{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _ = ic.Handshake(ctx)

	if _, err := ic.Handshake(context.Background()); !errors.Is(err, ErrHandleConsumed) {
		t.Fatalf("err = %v, want ErrHandleConsumed", err)
	}
}
