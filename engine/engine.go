// Package engine orchestrates query processing: decode, chaos gate,
// negative and positive cache consultation, coalesced resolution through
// the recursive resolver or the upstream race, cache admission, and reply
// assembly with the EDNS echo and informational ornaments.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nekoy3/neko-dns/cache"
	"github.com/nekoy3/neko-dns/config"
	"github.com/nekoy3/neko-dns/journal"
	"github.com/nekoy3/neko-dns/metrics"
	"github.com/nekoy3/neko-dns/resolver"
	"github.com/nekoy3/neko-dns/upstream"
	"github.com/nekoy3/neko-dns/wire"
)

// Client request budgets.
const (
	udpDeadline = 5 * time.Second
	tcpDeadline = 10 * time.Second
)

var (
	errChaosInjected = errors.New("engine: chaos injected failure")
	errNoResolvers   = errors.New("engine: neither recursion nor upstreams available")
)

// Engine is the per-process query orchestrator. One instance serves every
// listener.
type Engine struct {
	Cfg       *config.Config
	Store     *cache.Store
	Forwarder *upstream.Forwarder // nil without configured upstreams
	Resolver  *resolver.Resolver  // nil in pure forwarding mode
	Chaos     *Chaos
	Journal   *journal.Journal
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger

	group singleflight.Group
}

// New wires an engine from configuration. The resolver's roots come from
// the configured hints path, or the bundled IANA list.
func New(cfg *config.Config, log logrus.FieldLogger) (*Engine, error) {
	e := &Engine{
		Cfg:     cfg,
		Store:   cache.NewStore(),
		Chaos:   NewChaos(cfg.Chaos),
		Journal: journal.New(journal.DefaultSize),
		Log:     log,
	}
	e.Store.Positive.MaxEntries = cfg.Cache.MaxEntries
	if cfg.Cache.ServeStale {
		e.Store.Positive.Grace = cfg.StaleGrace()
	} else {
		e.Store.Positive.Grace = 0
	}
	e.Store.Positive.Alchemy = cache.Alchemy{
		Enabled:          cfg.Alchemy.Enabled,
		FrequencyWeight:  cfg.Alchemy.FrequencyWeight,
		VolatilityWeight: cfg.Alchemy.VolatilityWeight,
	}

	if len(cfg.Upstreams) > 0 {
		var ups []*upstream.Upstream
		for _, u := range cfg.Upstreams {
			ups = append(ups, upstream.New(u.Name, u.Addr(), u.Timeout()))
		}
		e.Forwarder = upstream.NewForwarder(ups, log)
	}

	if cfg.Recursive.Enabled {
		r := resolver.New()
		r.MaxDepth = cfg.Recursive.MaxDepth
		r.ParallelBranches = cfg.Recursive.ParallelBranches
		r.Log = log
		r.Store = e.Store
		v4, v6, err := resolver.LoadHints(cfg.Recursive.RootHintsPath)
		if err != nil {
			return nil, err
		}
		r.SetRoots(v4, v6)
		e.Resolver = r
	}

	if e.Resolver == nil && e.Forwarder == nil {
		return nil, errNoResolvers
	}

	e.Metrics = metrics.New(func() float64 { return float64(e.Store.Positive.Len()) })
	return e, nil
}

// ServeDNS implements dns.Handler for both the UDP and TCP listeners.
func (e *Engine) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	proto, deadline := "udp", udpDeadline
	if strings.HasPrefix(w.LocalAddr().Network(), "tcp") {
		proto, deadline = "tcp", tcpDeadline
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	reply := e.Handle(ctx, req, proto, w.RemoteAddr().String())
	if reply == nil {
		return
	}
	if proto == "udp" {
		reply.Truncate(wire.ClientPayloadSize(req))
	}
	if err := w.WriteMsg(reply); err != nil && e.Log != nil {
		e.Log.WithError(err).Debug("reply write failed")
	}
}

// Handle processes one decoded query and returns the reply, or nil when the
// query is too broken to answer.
func (e *Engine) Handle(ctx context.Context, req *dns.Msg, proto, client string) *dns.Msg {
	start := time.Now()
	if e.Metrics != nil {
		e.Metrics.QueriesTotal.WithLabelValues(proto).Inc()
	}

	if err := validateQuery(req); err != nil {
		return e.rejectReply(req, err)
	}

	q := req.Question[0]
	qname := dns.CanonicalName(q.Name)
	qtype := q.Qtype
	feats := &queryFeatures{edns: req.IsEdns0() != nil}

	if e.Chaos.ShouldFail(qname) {
		feats.chaos = true
		if e.Metrics != nil {
			e.Metrics.ChaosInjections.Inc()
		}
		reply := e.servfail(req, errChaosInjected)
		return e.finish(req, reply, feats, "chaos", client, start)
	}

	key := cache.NewKey(qname, qtype)

	if msg, origin, ok := e.Store.Negative.Lookup(key); ok {
		feats.negative = true
		source := "negative"
		if origin == cache.OriginSpeculative {
			feats.speculative = true
			source = "speculative"
			e.verifySpeculative(key)
		}
		if e.Metrics != nil {
			e.Metrics.NegativeHits.WithLabelValues(origin.String()).Inc()
		}
		return e.finish(req, msg, feats, source, client, start)
	}

	if msg, state := e.Store.Positive.Lookup(key); state != cache.Miss {
		var source string
		switch state {
		case cache.Fresh:
			feats.cacheHit = true
			feats.ttlAlchemy = e.Cfg.Alchemy.Enabled
			source = "cache"
			if e.Metrics != nil {
				e.Metrics.CacheHits.Inc()
			}
		default:
			feats.serveStale = true
			source = "stale"
			if e.Metrics != nil {
				e.Metrics.StaleServes.Inc()
			}
			e.refreshAsync(key)
		}
		return e.finish(req, msg, feats, source, client, start)
	}

	feats.cacheMiss = true
	if e.Metrics != nil {
		e.Metrics.CacheMisses.Inc()
	}
	msg, source, err := e.resolveCoalesced(ctx, key)
	if err != nil {
		if e.Log != nil {
			e.Log.WithFields(logrus.Fields{"qname": qname, "qtype": dns.TypeToString[qtype]}).WithError(err).Debug("resolution failed")
		}
		reply := e.servfail(req, err)
		return e.finish(req, reply, feats, "servfail", client, start)
	}
	switch {
	case source == sourceRecursive:
		feats.recursive = true
	case strings.HasPrefix(source, sourceUpstreamPrefix):
		feats.forwarded = true
		feats.winner = strings.TrimPrefix(source, sourceUpstreamPrefix)
	}
	return e.finish(req, msg, feats, source, client, start)
}

// finish stamps the reply for the client, echoes EDNS private options,
// appends the ornaments, and records journal and metrics entries.
func (e *Engine) finish(req, reply *dns.Msg, feats *queryFeatures, source, client string, start time.Time) *dns.Msg {
	q := req.Question[0]

	reply.Id = req.Id
	reply.Response = true
	reply.Opcode = req.Opcode
	reply.RecursionDesired = req.RecursionDesired
	reply.RecursionAvailable = true
	reply.Authoritative = false
	reply.Question = []dns.Question{q}

	wire.EchoPrivateOptions(req, reply, e.Cfg.EDNS.CustomOptionCodes)

	feats.latency = time.Since(start)
	qname := dns.CanonicalName(q.Name)
	if e.Cfg.Ornament.JourneyTXT && feats.recursive && e.Resolver != nil {
		appendJourneyTXT(reply, e.Resolver.Journeys, qname)
	}
	if e.Cfg.Ornament.FeaturesTXT {
		appendFeatureTXT(reply, feats)
	}

	if e.Journal != nil {
		e.Journal.Record(journal.Entry{
			At:       start,
			Client:   client,
			Qname:    qname,
			Qtype:    dns.TypeToString[q.Qtype],
			Rcode:    dns.RcodeToString[reply.Rcode],
			Source:   source,
			Duration: feats.latency,
		})
	}
	if e.Metrics != nil {
		e.Metrics.ResponsesTotal.WithLabelValues(dns.RcodeToString[reply.Rcode], source).Inc()
		e.Metrics.QueryDuration.WithLabelValues(source).Observe(feats.latency.Seconds())
	}
	return reply
}

// servfail builds a SERVFAIL reply carrying an extended error when the
// client negotiated EDNS0.
func (e *Engine) servfail(req *dns.Msg, cause error) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetRcode(req, dns.RcodeServerFailure)
	text := ""
	if cause != nil && !errors.Is(cause, errChaosInjected) {
		text = cause.Error()
	}
	addExtendedError(req, reply, extendedErrorCode(cause), text)
	return reply
}

// rejectReply answers a structurally bad query: NOTIMP for a foreign
// opcode, FORMERR otherwise.
func (e *Engine) rejectReply(req *dns.Msg, err error) *dns.Msg {
	rcode := dns.RcodeFormatError
	if errors.Is(err, wire.ErrBadOpcode) {
		rcode = dns.RcodeNotImplemented
	}
	if errors.Is(err, wire.ErrUnsupportedClass) {
		rcode = dns.RcodeRefused
	}
	reply := new(dns.Msg)
	reply.SetRcode(req, rcode)
	if e.Metrics != nil {
		e.Metrics.ResponsesTotal.WithLabelValues(dns.RcodeToString[rcode], "reject").Inc()
	}
	return reply
}

// validateQuery applies the inbound-query rules: one question, the QUERY
// opcode, class IN, and a name inside the RFC 1035 limits.
func validateQuery(req *dns.Msg) error {
	if req.Opcode != dns.OpcodeQuery {
		return wire.ErrBadOpcode
	}
	if len(req.Question) != 1 {
		return wire.ErrMalformedName
	}
	q := req.Question[0]
	if q.Qclass != dns.ClassINET {
		return wire.ErrUnsupportedClass
	}
	return wire.ValidateName(q.Name)
}
