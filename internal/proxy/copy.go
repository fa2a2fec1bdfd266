package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional relays between left and right until both directions
// reach EOF, either side fails, or ctx is done. An EOF in one direction is
// passed on as a half-close where the destination supports it; otherwise
// both conns are closed at that point. Both conns are closed on return.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error { return copyHalf(left, right, closeBoth) })
	g.Go(func() error { return copyHalf(right, left, closeBoth) })

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		// Closed by us, either at a one-sided EOF or on cancellation.
		return ctx.Err()
	}
	return err
}

func copyHalf(dst, src net.Conn, closeBoth func()) error {
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
		return nil
	}
	closeBoth()
	return nil
}
