package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/die-net/socks5d/internal/testutil"
)

func TestCopyBidirectionalHalfClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientA, serverA := testutil.TCPPair(t)
	clientB, serverB := testutil.TCPPair(t)

	done := make(chan error, 1)
	go func() { done <- CopyBidirectional(ctx, serverA, serverB) }()

	if _, err := clientA.Write([]byte("request")); err != nil {
		t.Fatal(err)
	}
	_ = clientA.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(clientB)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "request" {
		t.Fatalf("got %q", got)
	}

	// The other direction still works after the half-close.
	testutil.AssertEcho(t, clientB, clientA, []byte("response"))
	_ = clientB.Close()

	if err := <-done; err != nil {
		t.Fatalf("CopyBidirectional = %v", err)
	}
}

func TestCopyBidirectionalCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	clientA, serverA := testutil.TCPPair(t)
	_, serverB := testutil.TCPPair(t)

	done := make(chan error, 1)
	go func() { done <- CopyBidirectional(ctx, serverA, serverB) }()

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("CopyBidirectional = %v, want context.Canceled", err)
	}
	if _, err := clientA.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected closed connection")
	}
}
