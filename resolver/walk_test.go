package resolver

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekoy3/neko-dns/cache"
)

// fakeAuth serves scripted responses on a loopback UDP socket, playing every
// zone in a pretend hierarchy at once.
func fakeAuth(t *testing.T, handler dns.HandlerFunc) (netip.Addr, uint16) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	ap := pc.LocalAddr().(*net.UDPAddr).AddrPort()
	return ap.Addr().Unmap(), ap.Port()
}

// fakeAuthTCP is fakeAuth over a loopback TCP listener only; UDP to the
// same port goes nowhere.
func fakeAuthTCP(t *testing.T, handler dns.HandlerFunc) (netip.Addr, uint16) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{Listener: l, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	ap := l.Addr().(*net.TCPAddr).AddrPort()
	return ap.Addr().Unmap(), ap.Port()
}

func testResolver(addr netip.Addr, port uint16) *Resolver {
	r := New()
	r.DNSPort = port
	r.SetRoots([]netip.Addr{addr}, nil)
	return r
}

func referralMsg(r *dns.Msg, zone, ns string, glue netip.Addr) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	nsRR, _ := dns.NewRR(zone + " 300 IN NS " + ns)
	m.Ns = append(m.Ns, nsRR)
	if glue.IsValid() {
		glueRR, _ := dns.NewRR(ns + " 300 IN A " + glue.String())
		m.Extra = append(m.Extra, glueRR)
	}
	return m
}

func TestResolveDirectAnswer(t *testing.T) {
	t.Parallel()
	addr, port := fakeAuth(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 192.0.2.10")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})
	r := testResolver(addr, port)

	msg, srv, err := r.Resolve(context.Background(), "direct.test.", dns.TypeA)
	require.NoError(t, err)
	assert.Equal(t, addr, srv)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "192.0.2.10", msg.Answer[0].(*dns.A).A.String())

	j := r.Journeys.Latest()
	require.NotNil(t, j)
	assert.Equal(t, "NOERROR", j.Outcome)
}

func TestResolveFollowsReferral(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var self netip.Addr
	addr, port := fakeAuth(t, func(w dns.ResponseWriter, r *dns.Msg) {
		if calls.Add(1) == 1 {
			_ = w.WriteMsg(referralMsg(r, "test.", "ns1.test.", self))
			return
		}
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 192.0.2.20")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})
	self = addr
	r := testResolver(addr, port)
	r.Store = cache.NewStore()

	msg, _, err := r.Resolve(context.Background(), "www.test.", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "192.0.2.20", msg.Answer[0].(*dns.A).A.String())

	// The referral populated the delegation cache and promoted its glue.
	d := r.Delegations.Get("test.")
	require.NotNil(t, d)
	assert.Equal(t, []string{"ns1.test."}, d.NS)
	assert.True(t, r.Store.Positive.Contains(cache.NewKey("ns1.test.", dns.TypeA)))
	assert.Equal(t, uint64(1), r.Curiosity.Snapshot().GluePromoted)

	// Journey: referral hop then answer.
	j := r.Journeys.Latest()
	require.NotNil(t, j)
	var actions []string
	for _, s := range j.Steps {
		actions = append(actions, s.Action)
	}
	assert.Equal(t, []string{"referral", "answer"}, actions)
}

func TestResolveStartsFromCachedDelegation(t *testing.T) {
	t.Parallel()
	addr, port := fakeAuth(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 192.0.2.30")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})
	r := testResolver(addr, port)
	r.Delegations.Put("test.", []string{"ns1.test."}, []netip.Addr{addr}, time.Hour)

	_, _, err := r.Resolve(context.Background(), "warm.test.", dns.TypeA)
	require.NoError(t, err)

	j := r.Journeys.Latest()
	require.NotNil(t, j)
	require.NotEmpty(t, j.Steps)
	assert.Equal(t, "shortcut", j.Steps[0].Action)
	assert.Equal(t, "test.", j.Steps[0].Zone)
}

func TestResolveNxdomain(t *testing.T) {
	t.Parallel()
	addr, port := fakeAuth(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		soa, _ := dns.NewRR("test. 300 IN SOA ns1.test. hostmaster.test. 1 7200 3600 1209600 60")
		m.Ns = append(m.Ns, soa)
		_ = w.WriteMsg(m)
	})
	r := testResolver(addr, port)

	msg, _, err := r.Resolve(context.Background(), "gone.test.", dns.TypeA)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, msg.Rcode)
}

func TestResolveChasesCname(t *testing.T) {
	t.Parallel()
	addr, port := fakeAuth(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		name := r.Question[0].Name
		if name == "alias.test." {
			rr, _ := dns.NewRR("alias.test. 300 IN CNAME real.test.")
			m.Answer = append(m.Answer, rr)
		} else {
			rr, _ := dns.NewRR(name + " 300 IN A 192.0.2.40")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})
	r := testResolver(addr, port)

	msg, _, err := r.Resolve(context.Background(), "alias.test.", dns.TypeA)
	require.NoError(t, err)
	require.Len(t, msg.Answer, 2)
	assert.Equal(t, dns.TypeCNAME, msg.Answer[0].Header().Rrtype)
	assert.Equal(t, "192.0.2.40", msg.Answer[1].(*dns.A).A.String())
	assert.Equal(t, "alias.test.", msg.Question[0].Name)
}

func TestResolveDepthBound(t *testing.T) {
	t.Parallel()
	labels := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	qname := ""
	for _, l := range labels {
		qname = qname + l + "."
	}
	qname += "test."

	var hops atomic.Int32
	var self netip.Addr
	addr, port := fakeAuth(t, func(w dns.ResponseWriter, r *dns.Msg) {
		// Always refer one label deeper, never answer.
		n := int(hops.Add(1))
		zone := "test."
		for i := 0; i < n && i < len(labels); i++ {
			zone = labels[len(labels)-1-i] + "." + zone
		}
		_ = w.WriteMsg(referralMsg(r, zone, "ns-"+strconv.Itoa(n)+".example.net.", self))
	})
	self = addr
	r := testResolver(addr, port)
	r.MaxDepth = 3

	_, _, err := r.Resolve(context.Background(), qname, dns.TypeA)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestFreshCandidatesBreakCycles(t *testing.T) {
	t.Parallel()
	addr, _ := netip.ParseAddr("192.0.2.1")
	r := New()
	w := &walk{
		Resolver:  r,
		asked:     make(map[string]bool),
		addrCache: make(map[string][]netip.Addr),
		journey:   &Journey{},
	}
	got := w.freshCandidates([]netip.Addr{addr}, "test.", "www.test.", dns.TypeA)
	require.Len(t, got, 1)
	// Same question to the same server again: nothing fresh left.
	got = w.freshCandidates([]netip.Addr{addr}, "test.", "www.test.", dns.TypeA)
	assert.Empty(t, got)
}

func TestResolveOverTCPWhenUDPDisabled(t *testing.T) {
	t.Parallel()
	addr, port := fakeAuthTCP(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 192.0.2.50")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})
	r := testResolver(addr, port)
	r.mu.Lock()
	r.useUDP = false
	r.mu.Unlock()

	msg, srv, err := r.Resolve(context.Background(), "tcponly.test.", dns.TypeA)
	require.NoError(t, err)
	assert.Equal(t, addr, srv)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "192.0.2.50", msg.Answer[0].(*dns.A).A.String())
}

func TestWarmupSeedsInfra(t *testing.T) {
	t.Parallel()
	addr, port := fakeAuth(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	})
	r := testResolver(addr, port)

	r.Warmup(context.Background(), time.Second)
	srtt, ok := r.Infra.SRTT(addr)
	require.True(t, ok)
	assert.Greater(t, srtt, time.Duration(0))
}

func TestWarmupCountsOneLossPerSilentRoot(t *testing.T) {
	t.Parallel()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	ap := pc.LocalAddr().(*net.UDPAddr).AddrPort()
	r := testResolver(ap.Addr().Unmap(), ap.Port())

	r.Warmup(context.Background(), 200*time.Millisecond)

	snap := r.Infra.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Failures)
}

func TestClassifyLameReferral(t *testing.T) {
	t.Parallel()
	resp := new(dns.Msg)
	resp.SetQuestion("www.test.", dns.TypeA)
	resp.Response = true
	nsRR, _ := dns.NewRR("test. 300 IN NS ns1.test.")
	resp.Ns = append(resp.Ns, nsRR)

	// From zone "test." a referral back to "test." does not advance.
	k, ref := classify(resp, "test.", "www.test.", dns.TypeA)
	assert.Equal(t, kindUseless, k)
	assert.Nil(t, ref)

	// From the root the same response is a real referral.
	k, ref = classify(resp, ".", "www.test.", dns.TypeA)
	assert.Equal(t, kindReferral, k)
	require.NotNil(t, ref)
	assert.Equal(t, "test.", ref.zone)
}
