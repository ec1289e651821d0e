// Package resolver implements iterative DNS resolution from the root with
// per-server RTT estimation, a delegation cache keyed by zone cut, a leased
// UDP socket pool, and bounded parallel exploration of referrals.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"

	"github.com/nekoy3/neko-dns/cache"
)

const (
	// DefaultMaxDepth bounds sequential referral hops per resolution.
	DefaultMaxDepth = 20
	// DefaultParallelBranches bounds concurrent referral exploration within
	// one recursion step.
	DefaultParallelBranches = 3
	// maxSubqueries is the hard ceiling of sub-queries per client request.
	maxSubqueries = 50
	// maxChase bounds CNAME/DNAME chain chasing.
	maxChase = 16
)

var (
	ErrDepthExceeded = errors.New("resolver: referral depth exceeded")
	ErrNoServers     = errors.New("resolver: no candidate servers for zone")
	ErrLoopDetected  = errors.New("resolver: referral loop detected")
	ErrNoResponse    = errors.New("resolver: no useful response")
	ErrChaseTooDeep  = errors.New("resolver: cname/dname chain too deep")
)

// Resolver owns the shared resolution state. One instance serves all
// concurrent client requests.
type Resolver struct {
	proxy.ContextDialer // TCP fallback dialer
	DNSPort             uint16
	MaxDepth            int
	ParallelBranches    int
	Log                 logrus.FieldLogger

	Infra       *Infra
	Delegations *DelegationCache
	Sockets     *SocketPool
	Curiosity   *Curiosity
	Journeys    *JourneyLog
	Store       *cache.Store // glue promotion target, may be nil

	mu          sync.RWMutex // protects following
	useIPv4     bool
	useIPv6     bool
	useUDP      bool
	rootServers []netip.Addr
}

// New returns a resolver seeded with the bundled IANA root servers.
func New() *Resolver {
	var roots []netip.Addr
	roots = append(roots, Roots4...)
	roots = append(roots, Roots6...)
	return &Resolver{
		ContextDialer:    &net.Dialer{},
		DNSPort:          53,
		MaxDepth:         DefaultMaxDepth,
		ParallelBranches: DefaultParallelBranches,
		Infra:            NewInfra(),
		Delegations:      NewDelegationCache(),
		Sockets:          NewSocketPool(),
		Curiosity:        NewCuriosity(),
		Journeys:         NewJourneyLog(),
		useIPv4:          len(Roots4) > 0,
		useIPv6:          len(Roots6) > 0,
		useUDP:           true,
		rootServers:      roots,
	}
}

// SetRoots replaces the root server set, typically from a hints file.
func (r *Resolver) SetRoots(v4, v6 []netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootServers = append(append([]netip.Addr(nil), v4...), v6...)
	r.useIPv4 = len(v4) > 0
	r.useIPv6 = len(v6) > 0
}

func (r *Resolver) roots() []netip.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]netip.Addr(nil), r.rootServers...)
}

// Warmup probes every root server with an NS query for "." in parallel,
// seeding the infra table before traffic arrives. Unresponsive roots get a
// loss recorded and sink in the selection order; responsive ones are sorted
// by measured RTT.
func (r *Resolver) Warmup(ctx context.Context, cutoff time.Duration) {
	if _, ok := ctx.Deadline(); !ok {
		newctx, cancel := context.WithTimeout(ctx, cutoff*2)
		defer cancel()
		ctx = newctx
	}
	probe := new(dns.Msg)
	probe.SetQuestion(".", dns.TypeNS)
	probe.RecursionDesired = false

	type rootRtt struct {
		addr netip.Addr
		rtt  time.Duration
		ok   bool
	}
	roots := r.roots()
	results := make([]rootRtt, len(roots))
	var wg sync.WaitGroup
	for i, addr := range roots {
		wg.Add(1)
		go func(i int, addr netip.Addr) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, cutoff)
			defer cancel()
			w := &walk{Resolver: r, sem: semaphore.NewWeighted(maxSubqueries)}
			start := time.Now()
			// A timed-out probe already registered its loss inside exchange.
			resp, err := w.exchange(probeCtx, probe.Copy(), addr)
			results[i] = rootRtt{addr: addr, rtt: time.Since(start), ok: err == nil && resp != nil}
		}(i, addr)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].ok != results[j].ok {
			return results[i].ok
		}
		return results[i].rtt < results[j].rtt
	})
	var ordered []netip.Addr
	useIPv4, useIPv6 := false, false
	reachable := 0
	for _, rt := range results {
		if rt.ok {
			reachable++
			useIPv4 = useIPv4 || rt.addr.Is4()
			useIPv6 = useIPv6 || rt.addr.Is6()
		}
		ordered = append(ordered, rt.addr)
	}
	if reachable > 0 {
		r.mu.Lock()
		r.rootServers = ordered
		r.useIPv4 = useIPv4
		r.useIPv6 = useIPv6
		r.mu.Unlock()
	}
	if r.Log != nil {
		r.Log.WithFields(logrus.Fields{"roots": len(roots), "reachable": reachable}).Info("root warm-up complete")
	}
}

func (r *Resolver) addrPort(addr netip.Addr) netip.AddrPort {
	port := r.DNSPort
	if port == 0 {
		port = 53
	}
	return netip.AddrPortFrom(addr, port)
}
