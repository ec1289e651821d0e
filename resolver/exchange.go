package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/nekoy3/neko-dns/wire"
)

// exchange sends one query to server with the server's current RTO as the
// timeout. UDP goes through the leased socket pool; truncation falls back
// to TCP through the dialer. Successful round trips feed the infra table,
// timeouts register as losses.
func (w *walk) exchange(ctx context.Context, m *dns.Msg, server netip.Addr) (*dns.Msg, error) {
	if err := w.chargeSubquery(ctx); err != nil {
		return nil, err
	}
	defer w.sem.Release(1)

	rto := w.Infra.RTO(server)
	ctx, cancel := context.WithTimeout(ctx, rto)
	defer cancel()

	wire.SetEDNS(m)
	start := time.Now()
	resp, err := w.exchangeUDP(ctx, m, server)
	if err != nil {
		if isTimeout(err) {
			w.Infra.Lost(server)
		}
		// UDP may be unusable from an earlier disable (net.ErrClosed) or
		// get disabled by this very error; either way the query still goes
		// out over TCP.
		if w.maybeDisableUDP(err) || errors.Is(err, net.ErrClosed) {
			resp, err = w.exchangeTCP(ctx, m, server)
		}
		if err != nil {
			return nil, err
		}
	}
	w.Infra.Observe(server, time.Since(start))
	if resp.Truncated {
		if resp, err = w.exchangeTCP(ctx, m, server); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// chargeSubquery enforces the per-request sub-query ceiling: a hard total
// bound and a matching concurrency bound via the semaphore.
func (w *walk) chargeSubquery(ctx context.Context) error {
	if w.subqueries.Add(1) > maxSubqueries {
		return ErrDepthExceeded
	}
	return w.sem.Acquire(ctx, 1)
}

func (w *walk) exchangeUDP(ctx context.Context, m *dns.Msg, server netip.Addr) (*dns.Msg, error) {
	if !w.usable("udp", server) {
		return nil, net.ErrClosed
	}
	pc, err := w.Sockets.Acquire()
	if err != nil {
		if server.Is6() {
			w.maybeDisableIPv6(err)
		}
		return nil, err
	}
	packed, err := wire.Encode(m)
	if err != nil {
		w.Sockets.Release(pc)
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = pc.SetDeadline(deadline)
	}
	dst := net.UDPAddrFromAddrPort(w.addrPort(server))
	if _, err := pc.WriteTo(packed, dst); err != nil {
		w.Sockets.Discard(pc)
		if server.Is6() {
			w.maybeDisableIPv6(err)
		}
		return nil, err
	}

	buf := make([]byte, wire.MaxUDPPayload)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			// A timed-out socket may still carry the late reply; do not
			// return it to the pool.
			w.Sockets.Discard(pc)
			return nil, err
		}
		if !sameAddr(from, dst) {
			continue
		}
		resp, err := wire.Decode(buf[:n])
		if err != nil || resp.Id != m.Id {
			continue
		}
		w.Sockets.Release(pc)
		return resp, nil
	}
}

func (w *walk) exchangeTCP(ctx context.Context, m *dns.Msg, server netip.Addr) (*dns.Msg, error) {
	conn, err := w.DialContext(ctx, "tcp", w.addrPort(server).String())
	if err != nil {
		if server.Is6() {
			w.maybeDisableIPv6(err)
		}
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	dc := &dns.Conn{Conn: conn}
	if err := dc.WriteMsg(m); err != nil {
		return nil, err
	}
	resp, err := dc.ReadMsg()
	if err != nil {
		return nil, err
	}
	if resp.Id != m.Id {
		return nil, wire.ErrMalformedName
	}
	return resp, nil
}

func sameAddr(got net.Addr, want *net.UDPAddr) bool {
	ua, ok := got.(*net.UDPAddr)
	if !ok {
		return false
	}
	return ua.Port == want.Port && ua.IP.Equal(want.IP)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		strings.Contains(err.Error(), "i/o timeout")
}
