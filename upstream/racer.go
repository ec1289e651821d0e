package upstream

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/nekoy3/neko-dns/wire"
)

// ErrAllFailed means no upstream produced a usable response in time.
var ErrAllFailed = errors.New("upstream: all upstreams failed")

// ErrNoUpstreams means every configured upstream is currently disabled.
var ErrNoUpstreams = errors.New("upstream: no usable upstreams")

// Forwarder races a query against every usable upstream and returns the
// first usable response. SERVFAIL and transport errors count against the
// losing upstream but never end the race early.
type Forwarder struct {
	Upstreams []*Upstream
	Dialer    proxy.ContextDialer
	Log       logrus.FieldLogger
}

func NewForwarder(upstreams []*Upstream, log logrus.FieldLogger) *Forwarder {
	return &Forwarder{
		Upstreams: upstreams,
		Dialer:    &net.Dialer{},
		Log:       log,
	}
}

type raceResult struct {
	msg     *dns.Msg
	from    *Upstream
	latency time.Duration
	err     error
}

// usableRcode: an upstream answered authoritatively enough to end the race.
// NODATA arrives as NOERROR with an empty answer section.
func usableRcode(rcode int) bool {
	switch rcode {
	case dns.RcodeSuccess, dns.RcodeNameError, dns.RcodeRefused:
		return true
	}
	return false
}

// Race forwards query to all usable upstreams in parallel. The winner's
// latency and success are recorded; peers still in flight are cancelled and
// record nothing. Returns ErrNoUpstreams when everything is disabled and
// ErrAllFailed when every attempt failed or timed out.
func (f *Forwarder) Race(ctx context.Context, query *dns.Msg) (*dns.Msg, *Upstream, error) {
	var racers []*Upstream
	for _, u := range f.Upstreams {
		if u.Usable() {
			racers = append(racers, u)
		}
	}
	if len(racers) == 0 {
		return nil, nil, ErrNoUpstreams
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(racers))
	for _, u := range racers {
		go func(u *Upstream) {
			start := time.Now()
			msg, err := f.exchange(raceCtx, u, query.Copy())
			results <- raceResult{msg: msg, from: u, latency: time.Since(start), err: err}
		}(u)
	}

	pending := len(racers)
	for pending > 0 {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case res := <-results:
			pending--
			if res.err != nil {
				// A cancelled peer records nothing; it lost, it did not fail.
				if raceCtx.Err() == nil {
					res.from.RecordFailure(errors.Is(res.err, context.DeadlineExceeded))
					if f.Log != nil {
						f.Log.WithFields(logrus.Fields{"upstream": res.from.Name, "err": res.err}).Debug("upstream attempt failed")
					}
				}
				continue
			}
			if !usableRcode(res.msg.Rcode) {
				res.from.RecordFailure(false)
				continue
			}
			res.from.RecordSuccess(res.latency)
			cancel()
			return res.msg, res.from, nil
		}
	}
	return nil, nil, ErrAllFailed
}

// exchange sends one query over UDP, falling back to TCP when the response
// is truncated. Responses with a mismatched transaction id are discarded.
func (f *Forwarder) exchange(ctx context.Context, u *Upstream, query *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, u.Timeout)
	defer cancel()

	wire.SetEDNS(query)
	resp, err := f.exchangeUDP(ctx, u.Addr, query)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		return f.exchangeTCP(ctx, u.Addr, query)
	}
	return resp, nil
}

func (f *Forwarder) exchangeUDP(ctx context.Context, addr string, query *dns.Msg) (*dns.Msg, error) {
	conn, err := f.Dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	applyDeadline(ctx, conn)
	stop := closeOnDone(ctx, conn)
	defer stop()

	dc := &dns.Conn{Conn: conn, UDPSize: wire.DefaultUDPPayload}
	if err := dc.WriteMsg(query); err != nil {
		return nil, wrapCtx(ctx, err)
	}
	for {
		resp, err := dc.ReadMsg()
		if err != nil {
			return nil, wrapCtx(ctx, err)
		}
		if resp.Id == query.Id {
			return resp, nil
		}
	}
}

// exchangeTCP uses the two-octet length framing directly so oversized
// answers are read whole.
func (f *Forwarder) exchangeTCP(ctx context.Context, addr string, query *dns.Msg) (*dns.Msg, error) {
	conn, err := f.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	applyDeadline(ctx, conn)
	stop := closeOnDone(ctx, conn)
	defer stop()

	packed, err := wire.Encode(query)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, packed); err != nil {
		return nil, wrapCtx(ctx, err)
	}
	buf, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, wrapCtx(ctx, err)
	}
	resp, err := wire.Decode(buf)
	if err != nil {
		return nil, err
	}
	if resp.Id != query.Id {
		return nil, wire.ErrMalformedName
	}
	return resp, nil
}

func applyDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
}

// closeOnDone closes the connection when the context is cancelled so a
// blocked read unblocks promptly. The returned stop func must be called
// before the caller's own Close.
func closeOnDone(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// wrapCtx maps errors caused by deadline or cancellation onto the context
// error so callers can tell a timeout from a remote failure.
func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
