package engine

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/nekoy3/neko-dns/cache"
	"github.com/nekoy3/neko-dns/wire"
)

// Provenance tags recorded with admitted answers.
const (
	sourceRecursive      = "recursive"
	sourceUpstreamPrefix = "upstream:"
)

type resolved struct {
	msg    *dns.Msg
	source string
}

// resolveCoalesced resolves a cache miss with in-flight deduplication: at
// most one outstanding resolution per key, later arrivers share the first
// one's answer. The winner admits the answer before releasing followers,
// so a read after this call observes the write.
func (e *Engine) resolveCoalesced(ctx context.Context, key cache.Key) (*dns.Msg, string, error) {
	flightKey := key.Name + "|" + dns.TypeToString[key.Qtype]
	v, err, _ := e.group.Do(flightKey, func() (interface{}, error) {
		msg, source, err := e.resolveMiss(ctx, key.Name, key.Qtype)
		if err != nil {
			return nil, err
		}
		e.admit(key, msg, source)
		return resolved{msg: msg, source: source}, nil
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(resolved)
	// Followers get their own copy so reply stamping cannot race.
	return res.msg.Copy(), res.source, nil
}

// resolveMiss runs the recursive resolver when enabled, falling back to the
// upstream race on failure or in forwarding mode.
func (e *Engine) resolveMiss(ctx context.Context, qname string, qtype uint16) (*dns.Msg, string, error) {
	var recursiveErr error
	if e.Resolver != nil {
		msg, _, err := e.Resolver.Resolve(ctx, qname, qtype)
		if err == nil {
			return msg, sourceRecursive, nil
		}
		recursiveErr = err
		if e.Log != nil {
			e.Log.WithField("qname", qname).WithError(err).Debug("recursion failed, trying upstreams")
		}
	}
	if e.Forwarder != nil {
		q := new(dns.Msg)
		q.SetQuestion(qname, qtype)
		q.RecursionDesired = true
		msg, from, err := e.Forwarder.Race(ctx, q)
		if err != nil {
			return nil, "", err
		}
		if e.Metrics != nil {
			e.Metrics.RaceWins.WithLabelValues(from.Name).Inc()
		}
		return msg, sourceUpstreamPrefix + from.Name, nil
	}
	if recursiveErr != nil {
		return nil, "", recursiveErr
	}
	return nil, "", errNoResolvers
}

// admit routes a resolution result into the caches. NOERROR with answers
// goes positive; NXDOMAIN and SOA-bearing NODATA go negative, NXDOMAIN
// additionally seeding speculative typo variants when enabled. Anything
// else (REFUSED, SERVFAIL survivors) is not cached.
func (e *Engine) admit(key cache.Key, msg *dns.Msg, source string) {
	switch {
	case msg.Rcode == dns.RcodeNameError:
		ttl := cache.MinNegativeTTL
		if soa, ok := wire.SOAMinimum(msg); ok {
			ttl = cache.ClampTTL(soa)
		}
		e.Store.AdmitNegative(key, msg, ttl)
		if e.Cfg.Negative.Speculative {
			e.seedSpeculatives(key, msg, ttl)
		}
	case msg.Rcode == dns.RcodeSuccess && len(msg.Answer) > 0:
		e.Store.AdmitPositive(key, msg, source)
	case msg.Rcode == dns.RcodeSuccess:
		if soa, ok := wire.SOAMinimum(msg); ok {
			e.Store.AdmitNegative(key, msg, cache.ClampTTL(soa))
		}
	}
}

// seedSpeculatives inserts typo variants of an observed NXDOMAIN at a tenth
// of its TTL. Variants never displace live entries.
func (e *Engine) seedSpeculatives(key cache.Key, seed *dns.Msg, ttl time.Duration) {
	for _, variant := range cache.TypoVariants(key.Name) {
		spec := seed.Copy()
		if len(spec.Question) == 1 {
			spec.Question[0].Name = variant
		}
		e.Store.AdmitSpeculative(cache.NewKey(variant, key.Qtype), spec, ttl/10)
	}
}

// verifySpeculative checks a speculative NXDOMAIN against the real world in
// the background. A disproved entry is displaced by whatever the resolution
// admits; a confirmed one is upgraded to observed.
func (e *Engine) verifySpeculative(key cache.Key) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), udpDeadline)
		defer cancel()
		if _, _, err := e.resolveCoalesced(ctx, key); err != nil && e.Log != nil {
			e.Log.WithField("qname", key.Name).WithError(err).Debug("speculative verification failed")
		}
	}()
}

// refreshAsync replaces a stale entry in the background. The refresh result
// unconditionally replaces the cached entry; failures are silent and the
// entry keeps aging toward the end of its grace window.
func (e *Engine) refreshAsync(key cache.Key) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), tcpDeadline)
		defer cancel()
		_, _, _ = e.resolveCoalesced(ctx, key)
	}()
}
