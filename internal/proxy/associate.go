package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/socks5d/internal/server"
	"github.com/die-net/socks5d/internal/socks5"
)

var (
	errControlClosed = errors.New("control connection closed")
	errUDPIdle       = errors.New("udp association idle")
)

const (
	// udpLookupTimeout bounds the name lookup for one datagram.
	udpLookupTimeout = 5 * time.Second

	// maxUDPLookups caps concurrent lookups per association. Datagrams
	// needing a lookup past the cap are dropped.
	maxUDPLookups = 16

	// maxUDPTargets caps the targets an association accepts replies from.
	maxUDPTargets = 1024

	// udpTargetTTL is how long a target stays known without the client
	// sending to it, when no idle timeout is configured.
	udpTargetTTL = 5 * time.Minute
)

func (s *SOCKS5Server) handleAssociate(a *server.Associate) error {
	if s.cfg.DisableAssociate {
		refuse(a.Reply, socks5.ReplyCommandNotSupported)
		return fmt.Errorf("associate: %w", errCommandDisabled)
	}

	clientIP := netip.IPv4Unspecified()
	if ta, ok := a.RemoteAddr().(*net.TCPAddr); ok {
		clientIP = ta.AddrPort().Addr().Unmap()
	}

	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP(a.LocalAddr())})
	if err != nil {
		refuse(a.Reply, socks5.ReplyGeneralFailure)
		return fmt.Errorf("associate listen: %w", err)
	}
	relay := server.NewAssociateUDPConn(pc)
	defer relay.Close()

	out, err := net.ListenUDP("udp", nil)
	if err != nil {
		refuse(a.Reply, socks5.ReplyGeneralFailure)
		return fmt.Errorf("associate listen: %w", err)
	}
	defer out.Close()

	// A client that names its sending port up front gets it as the default
	// peer right away; otherwise the first datagram from its IP decides.
	if ap, ok := a.Target().AddrPort(); ok && ap.Port() != 0 && !ap.Addr().IsUnspecified() {
		relay.Connect(ap)
	}

	ready, err := a.Reply(socks5.ReplySucceeded, boundAddress(pc.LocalAddr()))
	if err != nil {
		return fmt.Errorf("associate: %w", err)
	}
	defer ready.Close()

	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)

	sess := newUDPSession(s, relay, out, clientIP)
	if s.cfg.UDPIdleTimeout > 0 {
		sess.idle = time.AfterFunc(s.cfg.UDPIdleTimeout, func() { cancel(errUDPIdle) })
		defer sess.idle.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = relay.Close()
		_ = out.Close()
		_ = ready.Close()
	})
	defer stop()

	g.Go(func() error {
		if err := ready.WaitClose(); err != nil {
			return err
		}
		return errControlClosed
	})
	g.Go(func() error { return sess.clientToTargets(gctx) })
	g.Go(sess.targetsToClient)

	err = g.Wait()
	if errors.Is(err, errControlClosed) {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("associate: %w", cause)
	}
	return fmt.Errorf("associate: %w", err)
}

// udpSession relays datagrams for one association. Datagrams from the client
// are unwrapped and sent from out; datagrams arriving on out are wrapped and
// sent to the client, but only from targets the client has sent to.
type udpSession struct {
	srv      *SOCKS5Server
	relay    *server.AssociateUDPConn
	out      *net.UDPConn
	clientIP netip.Addr
	idle     *time.Timer

	lookups *semaphore.Weighted
	wg      sync.WaitGroup

	maxTargets int
	targetTTL  time.Duration

	mu   sync.Mutex
	sent map[netip.AddrPort]time.Time
}

func newUDPSession(s *SOCKS5Server, relay *server.AssociateUDPConn, out *net.UDPConn, clientIP netip.Addr) *udpSession {
	ttl := udpTargetTTL
	if s.cfg.UDPIdleTimeout > 0 {
		ttl = s.cfg.UDPIdleTimeout
	}
	return &udpSession{
		srv:        s,
		relay:      relay,
		out:        out,
		clientIP:   clientIP,
		lookups:    semaphore.NewWeighted(maxUDPLookups),
		maxTargets: maxUDPTargets,
		targetTTL:  ttl,
		sent:       make(map[netip.AddrPort]time.Time),
	}
}

// touch pushes back the idle deadline.
func (u *udpSession) touch() {
	if u.idle != nil {
		u.idle.Reset(u.srv.cfg.UDPIdleTimeout)
	}
}

func (u *udpSession) clientToTargets(ctx context.Context) error {
	defer u.wg.Wait()

	for {
		payload, frag, addr, src, err := u.relay.RecvFrom()
		if err != nil {
			return err
		}
		if !u.clientIP.IsUnspecified() && src.Addr() != u.clientIP {
			continue
		}
		if _, ok := u.relay.PeerAddr(); !ok {
			u.relay.Connect(src)
		}
		u.touch()

		// No reassembly support: fragments are dropped.
		if frag != 0 {
			continue
		}

		if ap, ok := addr.AddrPort(); ok {
			if err := u.forward(payload, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())); err != nil {
				return err
			}
			continue
		}

		// Lookups run beside the loop so a slow name does not hold up
		// other datagrams.
		if !u.lookups.TryAcquire(1) {
			u.srv.logf("socks5 udp %s: too many lookups, dropping datagram for %s", src, addr)
			continue
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			defer u.lookups.Release(1)

			lctx, cancel := context.WithTimeout(ctx, udpLookupTimeout)
			dst, err := u.resolve(lctx, addr)
			cancel()
			if err != nil {
				u.srv.logf("socks5 udp %s: %v", src, err)
				return
			}
			_ = u.forward(payload, dst)
		}()
	}
}

// forward sends payload to dst and records dst as a known target. Only a
// closed socket is returned as an error.
func (u *udpSession) forward(payload []byte, dst netip.AddrPort) error {
	u.remember(dst, time.Now())

	if _, err := u.out.WriteToUDPAddrPort(payload, dst); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		u.srv.logf("socks5 udp: send to %s: %v", dst, err)
	}
	return nil
}

// remember marks dst as sent to at now. When the table is full, targets not
// sent to within targetTTL are dropped first, then the least recent one.
func (u *udpSession) remember(dst netip.AddrPort, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.sent[dst]; !ok && len(u.sent) >= u.maxTargets {
		var oldest netip.AddrPort
		var oldestAt time.Time
		for ap, at := range u.sent {
			if now.Sub(at) > u.targetTTL {
				delete(u.sent, ap)
				continue
			}
			if oldestAt.IsZero() || at.Before(oldestAt) {
				oldest, oldestAt = ap, at
			}
		}
		if len(u.sent) >= u.maxTargets {
			delete(u.sent, oldest)
		}
	}
	u.sent[dst] = now
}

func (u *udpSession) known(from netip.AddrPort) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	_, ok := u.sent[from]
	return ok
}

func (u *udpSession) targetsToClient() error {
	bp := server.GetDatagramBuffer()
	defer server.PutDatagramBuffer(bp)
	buf := *bp

	for {
		n, from, err := u.out.ReadFromUDPAddrPort(buf)
		if err != nil {
			return err
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		if !u.known(from) {
			continue
		}
		u.touch()

		if _, err := u.relay.Send(buf[:n], 0, socks5.AddressFromAddrPort(from)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			u.srv.logf("socks5 udp: reply from %s: %v", from, err)
		}
	}
}

// resolve looks up a datagram's domain destination, preferring IPv4
// results.
func (u *udpSession) resolve(ctx context.Context, addr socks5.Address) (netip.AddrPort, error) {
	ips, err := u.srv.resolver.LookupNetIP(ctx, "ip", addr.Domain())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", addr.Domain(), err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", addr.Domain())
	}

	ip := ips[0]
	for _, c := range ips {
		if c.Unmap().Is4() {
			ip = c
			break
		}
	}
	return netip.AddrPortFrom(ip.Unmap(), addr.Port()), nil
}
