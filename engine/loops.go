package engine

import (
	"context"
	"time"

	"github.com/nekoy3/neko-dns/cache"
	"github.com/nekoy3/neko-dns/resolver"
)

// PrefetchLoop periodically refreshes popular entries whose remaining fresh
// time dropped below the configured fraction of their effective TTL. Runs
// until ctx is done.
func (e *Engine) PrefetchLoop(ctx context.Context) {
	if !e.Cfg.Prefetch.Enabled {
		return
	}
	ticker := time.NewTicker(e.Cfg.PrefetchInterval())
	defer ticker.Stop()
	if e.Log != nil {
		e.Log.WithField("interval", e.Cfg.PrefetchInterval()).Info("prefetch sweeper started")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		candidates := e.Store.Positive.PrefetchCandidates(e.Cfg.Prefetch.Threshold, e.Cfg.Prefetch.MinHits)
		for _, key := range candidates {
			go e.prefetchOne(ctx, key)
		}
	}
}

// prefetchOne refreshes one pinned candidate and unpins it. Refresh
// failures are silent; the entry continues to age and may be served stale.
func (e *Engine) prefetchOne(ctx context.Context, key cache.Key) {
	defer e.Store.Positive.Pin(key, false)
	rctx, cancel := context.WithTimeout(ctx, tcpDeadline)
	defer cancel()
	if _, _, err := e.resolveCoalesced(rctx, key); err == nil {
		if e.Metrics != nil {
			e.Metrics.Prefetches.Inc()
		}
		if e.Log != nil {
			e.Log.WithField("qname", key.Name).Debug("prefetched")
		}
	}
}

// CuriosityLoop drains the resolver's nameserver walk queue, re-resolving
// frequently referenced NS names so their glue stays warm. Rate bounded by
// the resolver's limiter.
func (e *Engine) CuriosityLoop(ctx context.Context) {
	if e.Resolver == nil || !e.Cfg.Recursive.CuriosityWalk {
		return
	}
	e.Resolver.Curiosity.Walk(ctx, e.Log, func(wctx context.Context, name string, qtype uint16) {
		key := cache.NewKey(name, qtype)
		if e.Store.Positive.Contains(key) {
			return
		}
		_, _, _ = e.resolveCoalesced(wctx, key)
	})
}

// Background starts every configured background loop and returns. The
// loops stop when ctx is cancelled.
func (e *Engine) Background(ctx context.Context) {
	go e.PrefetchLoop(ctx)
	go e.CuriosityLoop(ctx)
}

// Warmup probes the root servers when recursion is enabled, seeding RTT
// estimates before traffic arrives.
func (e *Engine) Warmup(ctx context.Context) {
	if e.Resolver != nil {
		e.Resolver.Warmup(ctx, time.Second)
	}
}

// Snapshot aggregates the counters every subsystem exposes, for the web
// surface.
type Snapshot struct {
	Mode      string                   `json:"mode"`
	Cache     cache.Stats              `json:"cache"`
	Negative  cache.NegativeStats      `json:"negative"`
	Chaos     ChaosStats               `json:"chaos"`
	HitRatio  float64                  `json:"hit_ratio_percent"`
	Journal   int                      `json:"journal_entries"`
	Curiosity *resolver.CuriosityStats `json:"curiosity,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Mode:     "forwarding",
		Cache:    e.Store.Positive.Snapshot(),
		Negative: e.Store.Negative.Snapshot(),
		Chaos:    e.Chaos.Snapshot(),
		HitRatio: e.Store.Positive.HitRatio(),
		Journal:  e.Journal.Len(),
	}
	if e.Resolver != nil {
		s.Mode = "recursive"
		cs := e.Resolver.Curiosity.Snapshot()
		s.Curiosity = &cs
	}
	return s
}
