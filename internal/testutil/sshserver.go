package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHServer is a loopback SSH server that serves direct-tcpip channels, as
// used by ssh -D.
type SSHServer struct {
	net.Listener

	HostKey ssh.Signer

	// Handshakes counts SSH transports that completed authentication.
	Handshakes atomic.Int32
}

// NewSigner returns a fresh ed25519 signer.
func NewSigner(t *testing.T) ssh.Signer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// StartSSHServer accepts password logins for username/password until ctx is
// done.
func StartSSHServer(ctx context.Context, t *testing.T, username, password string) *SSHServer {
	t.Helper()

	srv := &SSHServer{HostKey: NewSigner(t)}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != username || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(srv.HostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	context.AfterFunc(ctx, func() { _ = ln.Close() })
	t.Cleanup(func() { _ = ln.Close() })
	srv.Listener = ln

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(ctx, c, cfg)
		}
	}()

	return srv
}

func (s *SSHServer) serveConn(ctx context.Context, c net.Conn, cfg *ssh.ServerConfig) {
	defer c.Close()

	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	s.Handshakes.Add(1)

	go ssh.DiscardRequests(reqs)
	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go forwardChannel(ctx, nc)
	}
}

func forwardChannel(ctx context.Context, nc ssh.NewChannel) {
	var payload struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		_ = nc.Reject(ssh.Prohibited, "bad payload")
		return
	}

	var d net.Dialer
	dst, err := d.DialContext(ctx, "tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer dst.Close()

	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(dst, ch)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(ch, dst)
		done <- struct{}{}
	}()
	<-done
}
