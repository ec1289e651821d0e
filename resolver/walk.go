package resolver

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/nekoy3/neko-dns/cache"
)

// walk is the per-request resolution state: the sub-query budget, the
// already-asked set that breaks referral cycles, a private NS address
// cache, and the accumulating journey trace.
type walk struct {
	*Resolver
	sem        *semaphore.Weighted
	subqueries atomic.Int32

	mu        sync.Mutex
	asked     map[string]bool
	addrCache map[string][]netip.Addr
	journey   *Journey
}

// Resolve performs iterative resolution for qname/qtype starting from the
// deepest cached delegation, or the root. The returned address is the
// server that produced the final answer, when one did.
func (r *Resolver) Resolve(ctx context.Context, qname string, qtype uint16) (msg *dns.Msg, srv netip.Addr, err error) {
	qname = dns.CanonicalName(qname)
	w := &walk{
		Resolver:  r,
		sem:       semaphore.NewWeighted(maxSubqueries),
		asked:     make(map[string]bool),
		addrCache: make(map[string][]netip.Addr),
		journey: &Journey{
			Qname: qname,
			Qtype: dns.TypeToString[qtype],
			Start: time.Now(),
		},
	}
	msg, srv, err = w.resolve(ctx, qname, qtype, 0)
	w.journey.Duration = time.Since(w.journey.Start)
	w.journey.Outcome = outcomeOf(msg, err)
	if r.Journeys != nil {
		r.Journeys.Record(w.journey)
	}
	if r.Log != nil {
		r.Log.WithFields(logrus.Fields{
			"qname":   qname,
			"qtype":   dns.TypeToString[qtype],
			"outcome": w.journey.Outcome,
			"steps":   len(w.journey.Steps),
		}).Debug("resolution finished")
	}
	return
}

func outcomeOf(msg *dns.Msg, err error) string {
	if err != nil {
		return err.Error()
	}
	if msg == nil {
		return "no answer"
	}
	return dns.RcodeToString[msg.Rcode]
}

func (w *walk) resolve(ctx context.Context, qname string, qtype uint16, chase int) (*dns.Msg, netip.Addr, error) {
	if chase > maxChase {
		return nil, netip.Addr{}, ErrChaseTooDeep
	}

	zone := "."
	servers := w.roots()
	if d := w.Delegations.Closest(qname); d != nil {
		addrs := d.Glue
		if len(addrs) == 0 {
			addrs = w.resolveNSAddrs(ctx, d.NS, chase)
		}
		if len(addrs) > 0 {
			zone = d.Zone
			servers = addrs
			w.journey.step(zone, "shortcut", "started from cached delegation")
		}
	}

	for hop := 0; hop < w.maxDepth(); hop++ {
		if len(servers) == 0 {
			return nil, netip.Addr{}, ErrNoServers
		}
		resp, srv, ref, k, err := w.askZone(ctx, zone, servers, qname, qtype)
		if err != nil {
			return nil, netip.Addr{}, err
		}
		switch k {
		case kindAnswer:
			if !hasRRType(resp.Answer, qtype) {
				if chased, origin, ok, err := w.chase(ctx, resp, qname, qtype, chase); ok || err != nil {
					return chased, origin, err
				}
			}
			w.journey.step(zone, "answer", "from "+srv.String())
			return resp, srv, nil
		case kindNxdomain:
			w.journey.step(zone, "nxdomain", "from "+srv.String())
			return resp, srv, nil
		case kindReferral:
			w.Delegations.Put(ref.zone, ref.ns, ref.glue, ref.ttl)
			w.promoteGlue(resp)
			for _, ns := range ref.ns {
				w.Curiosity.ObserveNS(ns)
			}
			w.journey.step(zone, "referral", "to "+ref.zone)
			zone = ref.zone
			servers = ref.glue
			if len(servers) == 0 {
				servers = w.resolveNSAddrs(ctx, ref.ns, chase)
			}
		}
	}
	return nil, netip.Addr{}, ErrDepthExceeded
}

// chase follows a CNAME or DNAME in resp toward qtype, prepending the chain
// records onto the final answer.
func (w *walk) chase(ctx context.Context, resp *dns.Msg, qname string, qtype uint16, chase int) (*dns.Msg, netip.Addr, bool, error) {
	tgt, ok := cnameTarget(resp, qname)
	gather := cnameChainRecords
	if !ok {
		if tgt, ok = dnameSynthesize(resp, qname); ok {
			gather = dnameRecords
		}
	}
	if !ok {
		return nil, netip.Addr{}, false, nil
	}
	w.journey.step(qname, "chase", "to "+tgt)
	msg, origin, err := w.resolve(ctx, tgt, qtype, chase+1)
	if err != nil {
		return nil, netip.Addr{}, true, err
	}
	msg = msg.Copy()
	prependRecords(msg, resp, qname, gather)
	return msg, origin, true, nil
}

func (w *walk) maxDepth() int {
	if w.MaxDepth > 0 {
		return w.MaxDepth
	}
	return DefaultMaxDepth
}

func (w *walk) branches() int {
	if w.ParallelBranches > 0 {
		return w.ParallelBranches
	}
	return DefaultParallelBranches
}

type branchResult struct {
	resp *dns.Msg
	srv  netip.Addr
	ref  *referral
	k    kind
	err  error
}

// askZone queries the zone's candidate servers for qname/qtype in waves of
// up to ParallelBranches. Within a wave the first useful result (an answer,
// NXDOMAIN, or an advancing referral) wins and cancels its siblings.
// Servers already asked this exact question are skipped; when every
// candidate has been asked before, the walk is looping.
func (w *walk) askZone(ctx context.Context, zone string, servers []netip.Addr, qname string, qtype uint16) (*dns.Msg, netip.Addr, *referral, kind, error) {
	m := new(dns.Msg)
	m.SetQuestion(qname, qtype)
	m.RecursionDesired = false

	candidates := w.freshCandidates(w.Infra.Order(servers), zone, qname, qtype)
	if len(candidates) == 0 {
		return nil, netip.Addr{}, nil, kindUseless, ErrLoopDetected
	}

	for start := 0; start < len(candidates); start += w.branches() {
		end := start + w.branches()
		if end > len(candidates) {
			end = len(candidates)
		}
		wave := candidates[start:end]

		waveCtx, cancel := context.WithCancel(ctx)
		results := make(chan branchResult, len(wave))
		for _, svr := range wave {
			go func(svr netip.Addr) {
				resp, err := w.exchange(waveCtx, m.Copy(), svr)
				if err != nil {
					results <- branchResult{srv: svr, err: err}
					return
				}
				k, ref := classify(resp, zone, qname, qtype)
				results <- branchResult{resp: resp, srv: svr, ref: ref, k: k}
			}(svr)
		}

		var winner *branchResult
		for i := 0; i < len(wave); i++ {
			res := <-results
			if res.err != nil {
				if res.err == ErrDepthExceeded {
					cancel()
					return nil, netip.Addr{}, nil, kindUseless, res.err
				}
				w.journey.step(zone, "timeout", res.srv.String())
				continue
			}
			if res.k == kindUseless {
				w.journey.step(zone, "useless", res.srv.String()+" rcode="+dns.RcodeToString[res.resp.Rcode])
				continue
			}
			winner = &res
			break
		}
		cancel()
		if winner != nil {
			return winner.resp, winner.srv, winner.ref, winner.k, nil
		}
		if ctx.Err() != nil {
			return nil, netip.Addr{}, nil, kindUseless, ctx.Err()
		}
	}
	return nil, netip.Addr{}, nil, kindUseless, ErrNoResponse
}

// freshCandidates filters out servers this walk has already asked the same
// question, and marks the survivors as asked.
func (w *walk) freshCandidates(ordered []netip.Addr, zone, qname string, qtype uint16) []netip.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []netip.Addr
	for _, svr := range ordered {
		key := svr.String() + "|" + zone + "|" + qname + "|" + dns.TypeToString[qtype]
		if w.asked[key] {
			continue
		}
		w.asked[key] = true
		out = append(out, svr)
	}
	return out
}

// promoteGlue enters referral glue into the positive cache even though
// nobody asked for it, tagged as opportunistic.
func (w *walk) promoteGlue(resp *dns.Msg) {
	if w.Store == nil {
		return
	}
	for _, rr := range resp.Extra {
		var qtype uint16
		switch rr.(type) {
		case *dns.A:
			qtype = dns.TypeA
		case *dns.AAAA:
			qtype = dns.TypeAAAA
		default:
			continue
		}
		name := dns.CanonicalName(rr.Header().Name)
		msg := new(dns.Msg)
		msg.SetQuestion(name, qtype)
		msg.Response = true
		msg.Answer = append(msg.Answer, dns.Copy(rr))
		w.Store.AdmitPositive(cache.NewKey(name, qtype), msg, "glue")
		w.Curiosity.GluePromoted()
	}
}

// resolveNSAddrs resolves referral NS owner names to addresses when the
// referral carried no glue, preferring IPv4 and consulting the per-walk
// address cache first.
func (w *walk) resolveNSAddrs(ctx context.Context, nsOwners []string, chase int) []netip.Addr {
	var addrs []netip.Addr
	for _, host := range nsOwners {
		host = dns.Fqdn(strings.ToLower(host))
		w.mu.Lock()
		cached, ok := w.addrCache[host]
		w.mu.Unlock()
		if ok {
			addrs = append(addrs, cached...)
			continue
		}
		var resolved []netip.Addr
		if msg, _, err := w.resolve(ctx, host, dns.TypeA, chase+1); err == nil {
			for _, rr := range msg.Answer {
				if a, ok := rr.(*dns.A); ok {
					if addr := ipToAddr(a.A); addr.IsValid() {
						resolved = append(resolved, addr)
					}
				}
			}
		}
		if len(resolved) == 0 {
			if msg, _, err := w.resolve(ctx, host, dns.TypeAAAA, chase+1); err == nil {
				for _, rr := range msg.Answer {
					if a, ok := rr.(*dns.AAAA); ok {
						if addr := ipToAddr(a.AAAA); addr.IsValid() {
							resolved = append(resolved, addr)
						}
					}
				}
			}
		}
		resolved = dedupAddrs(resolved)
		if len(resolved) > 0 {
			w.mu.Lock()
			w.addrCache[host] = resolved
			w.mu.Unlock()
			addrs = append(addrs, resolved...)
		}
		if len(addrs) >= w.branches() {
			break
		}
	}
	return dedupAddrs(addrs)
}
