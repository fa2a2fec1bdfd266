package ssh

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/die-net/socks5d/internal/testutil"
)

var (
	upstreamA = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 22}
	upstreamB = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 2222}
)

func TestHostKeyCallbackDisabled(t *testing.T) {
	t.Parallel()

	cb, err := NewHostKeyCallback("")
	if err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}
	if err := cb("192.0.2.1:22", upstreamA, testutil.NewSigner(t).PublicKey()); err != nil {
		t.Fatalf("disabled checking rejected a key: %v", err)
	}
}

func TestHostKeyCallbackCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	if _, err := NewHostKeyCallback(path); err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode %o, want 600", perm)
	}
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	t.Parallel()

	keyA := testutil.NewSigner(t).PublicKey()
	keyB := testutil.NewSigner(t).PublicKey()

	type check struct {
		host     string
		addr     net.Addr
		key      ssh.PublicKey
		wantErr  string
		reloaded bool
	}

	tests := []struct {
		name   string
		checks []check
	}{
		{
			name: "same key accepted after reload",
			checks: []check{
				{host: "192.0.2.1:22", addr: upstreamA, key: keyA},
				{host: "192.0.2.1:22", addr: upstreamA, key: keyA, reloaded: true},
			},
		},
		{
			name: "changed key rejected after reload",
			checks: []check{
				{host: "192.0.2.1:22", addr: upstreamA, key: keyA},
				{host: "192.0.2.1:22", addr: upstreamA, key: keyB, reloaded: true, wantErr: "mismatch"},
			},
		},
		{
			name: "changed key rejected without reload",
			checks: []check{
				{host: "192.0.2.1:22", addr: upstreamA, key: keyA},
				{host: "192.0.2.1:22", addr: upstreamA, key: keyB, wantErr: "mismatch"},
			},
		},
		{
			name: "hosts and ports recorded separately",
			checks: []check{
				{host: "192.0.2.1:22", addr: upstreamA, key: keyA},
				{host: "192.0.2.2:2222", addr: upstreamB, key: keyB},
				{host: "192.0.2.1:22", addr: upstreamA, key: keyA, reloaded: true},
				{host: "192.0.2.2:2222", addr: upstreamB, key: keyB, reloaded: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "known_hosts")
			cb, err := NewHostKeyCallback(path)
			if err != nil {
				t.Fatalf("NewHostKeyCallback: %v", err)
			}

			for i, c := range tt.checks {
				if c.reloaded {
					if cb, err = NewHostKeyCallback(path); err != nil {
						t.Fatalf("reload: %v", err)
					}
				}
				err := cb(c.host, c.addr, c.key)
				switch {
				case c.wantErr == "" && err != nil:
					t.Fatalf("check %d: %v", i, err)
				case c.wantErr != "" && (err == nil || !strings.Contains(err.Error(), c.wantErr)):
					t.Fatalf("check %d: got %v, want error containing %q", i, err, c.wantErr)
				}
			}
		})
	}
}

func TestHostKeyCallbackWritesNormalizedHost(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := NewHostKeyCallback(path)
	if err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}

	key := testutil.NewSigner(t).PublicKey()
	if err := cb("192.0.2.2:2222", upstreamB, key); err != nil {
		t.Fatalf("first use: %v", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := knownhosts.Line([]string{"[192.0.2.2]:2222"}, key) + "\n"
	if string(data) != want {
		t.Fatalf("known_hosts = %q, want %q", data, want)
	}
}

func TestHostKeyCallbackExistingEntry(t *testing.T) {
	t.Parallel()

	key := testutil.NewSigner(t).PublicKey()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{"192.0.2.1"}, key) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cb, err := NewHostKeyCallback(path)
	if err != nil {
		t.Fatalf("NewHostKeyCallback: %v", err)
	}
	if err := cb("192.0.2.1:22", upstreamA, key); err != nil {
		t.Fatalf("existing entry rejected: %v", err)
	}
	if err := cb("192.0.2.1:22", upstreamA, testutil.NewSigner(t).PublicKey()); err == nil {
		t.Fatal("different key accepted for recorded host")
	}
}
