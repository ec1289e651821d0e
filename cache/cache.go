// Package cache holds the positive and negative answer stores and the TTL
// adjustment policy applied to every admission. Both stores are sharded
// maps guarded by per-shard locks; there is no global lock.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/nekoy3/neko-dns/wire"
)

// DefaultMaxEntries bounds the positive cache before eviction kicks in.
const DefaultMaxEntries = 100000

// DefaultGrace is how long past expiry an entry may still be served stale.
const DefaultGrace = 5 * time.Minute

// evictFraction of entries removed per eviction pass.
const evictFraction = 100 // one percent

// State classifies a positive lookup.
type State int

const (
	Miss State = iota
	Fresh
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	}
	return "miss"
}

type entry struct {
	msg          *dns.Msg // Zero is set; never mutated after admission
	provenance   string
	originalTTL  time.Duration
	effectiveTTL time.Duration
	firstInsert  time.Time
	refreshedAt  time.Time
	lastAccess   time.Time
	hits         uint64
	staleServed  uint64
	fingerprint  uint64
	changeTimes  []time.Time
	pinned       bool
}

func (e *entry) state(now time.Time, grace time.Duration) State {
	age := now.Sub(e.refreshedAt)
	if age < e.effectiveTTL {
		return Fresh
	}
	if age < e.effectiveTTL+grace {
		return Stale
	}
	return Miss
}

// hitsPerHour extrapolates the hit rate from the entry's lifetime, floored
// at one minute so brand-new entries do not produce absurd rates.
func (e *entry) hitsPerHour(now time.Time) float64 {
	elapsed := now.Sub(e.firstInsert)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}
	return float64(e.hits) * float64(time.Hour) / float64(elapsed)
}

func (e *entry) changesLastHour(now time.Time) int {
	n := 0
	for _, t := range e.changeTimes {
		if now.Sub(t) < time.Hour {
			n++
		}
	}
	return n
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Cache is the positive answer store. Exported fields are set before first
// use and not changed afterwards.
type Cache struct {
	MaxEntries int
	Grace      time.Duration
	Alchemy    Alchemy

	lookups     atomic.Uint64
	hits        atomic.Uint64
	staleServes atomic.Uint64
	evictions   atomic.Uint64
	size        atomic.Int64

	shards [shardCount]*shard

	timeNow func() time.Time // test hook
}

// New returns a Cache with the shipped defaults.
func New() *Cache {
	c := &Cache{
		MaxEntries: DefaultMaxEntries,
		Grace:      DefaultGrace,
		Alchemy:    DefaultAlchemy(),
		timeNow:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return c
}

// Lookup returns a reply-ready copy of the cached message and its state.
// Fresh hits rewrite RR TTLs to the remaining effective TTL and recompute
// the effective TTL from the updated hit rate. Stale hits rewrite TTLs to
// zero; the caller is expected to refresh in the background.
func (c *Cache) Lookup(key Key) (*dns.Msg, State) {
	c.lookups.Add(1)
	now := c.timeNow()
	sh := c.shards[key.shard()]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return nil, Miss
	}
	st := e.state(now, c.Grace)
	if st == Miss {
		if !e.pinned {
			delete(sh.entries, key)
			c.size.Add(-1)
		}
		return nil, Miss
	}
	e.lastAccess = now
	switch st {
	case Fresh:
		e.hits++
		c.hits.Add(1)
		e.effectiveTTL = c.Alchemy.Effective(e.originalTTL, e.hitsPerHour(now), e.changesLastHour(now))
		remaining := e.effectiveTTL - now.Sub(e.refreshedAt)
		if remaining < 0 {
			remaining = 0
		}
		return replyCopy(e.msg, uint32(remaining/time.Second)), Fresh
	default:
		e.staleServed++
		c.staleServes.Add(1)
		return replyCopy(e.msg, 0), Stale
	}
}

// Admit inserts or replaces the entry for key. Replacement keeps the key's
// hit statistics and volatility history; a changed answer fingerprint counts
// as one volatility event. The stored message has its Zero bit set and must
// not be mutated by callers afterwards.
func (c *Cache) Admit(key Key, msg *dns.Msg, provenance string) {
	if msg == nil {
		return
	}
	now := c.timeNow()
	stored := msg.Copy()
	stored.Zero = true
	original := 5 * time.Minute
	if ttl, ok := wire.MinTTL(stored); ok {
		original = ttl
	}
	fp := wire.Fingerprint(stored)

	sh := c.shards[key.shard()]
	sh.mu.Lock()
	prev, existed := sh.entries[key]
	e := &entry{
		msg:         stored,
		provenance:  provenance,
		originalTTL: original,
		firstInsert: now,
		refreshedAt: now,
		lastAccess:  now,
		fingerprint: fp,
	}
	if existed {
		e.firstInsert = prev.firstInsert
		e.hits = prev.hits
		e.staleServed = prev.staleServed
		e.pinned = prev.pinned
		e.changeTimes = pruneChanges(prev.changeTimes, now)
		if prev.fingerprint != fp {
			e.changeTimes = append(e.changeTimes, now)
		}
	}
	e.effectiveTTL = c.Alchemy.Effective(original, e.hitsPerHour(now), e.changesLastHour(now))
	sh.entries[key] = e
	sh.mu.Unlock()
	if !existed {
		if c.size.Add(1) > int64(c.MaxEntries) {
			c.evict()
		}
	}
}

// Contains reports whether key has a live (fresh or stale) entry, without
// touching the hit statistics.
func (c *Cache) Contains(key Key) bool {
	now := c.timeNow()
	sh := c.shards[key.shard()]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	return ok && e.state(now, c.Grace) != Miss
}

// Remove deletes the entry for key if present.
func (c *Cache) Remove(key Key) {
	sh := c.shards[key.shard()]
	sh.mu.Lock()
	if _, ok := sh.entries[key]; ok {
		delete(sh.entries, key)
		c.size.Add(-1)
	}
	sh.mu.Unlock()
}

// Pin marks the entry as being refreshed by prefetch; pinned entries are
// exempt from eviction and expiry removal until unpinned.
func (c *Cache) Pin(key Key, pinned bool) {
	sh := c.shards[key.shard()]
	sh.mu.Lock()
	if e, ok := sh.entries[key]; ok {
		e.pinned = pinned
	}
	sh.mu.Unlock()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	n := c.size.Load()
	if n < 0 {
		n = 0
	}
	return int(n)
}

// HitRatio returns the hit ratio as a percentage.
func (c *Cache) HitRatio() (n float64) {
	if c != nil {
		if lookups := c.lookups.Load(); lookups > 0 {
			n = float64(c.hits.Load()*100) / float64(lookups)
		}
	}
	return
}

// evict removes the least-frequently-used one percent of entries, ties
// broken by oldest last access. Runs inline in the admitting request.
func (c *Cache) evict() {
	type victim struct {
		key        Key
		hits       uint64
		lastAccess time.Time
	}
	var all []victim
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.pinned {
				continue
			}
			all = append(all, victim{key: k, hits: e.hits, lastAccess: e.lastAccess})
		}
		sh.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].hits != all[j].hits {
			return all[i].hits < all[j].hits
		}
		return all[i].lastAccess.Before(all[j].lastAccess)
	})
	n := len(all) / evictFraction
	if n < 1 {
		n = 1
	}
	for _, v := range all[:n] {
		c.Remove(v.key)
		c.evictions.Add(1)
	}
}

// PrefetchCandidates returns keys whose remaining fresh time is below the
// given fraction of their effective TTL and whose hit count meets minHits.
// Returned keys are pinned; the caller must Pin(key, false) when done.
func (c *Cache) PrefetchCandidates(fraction float64, minHits uint64) []Key {
	now := c.timeNow()
	var out []Key
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.pinned || e.hits < minHits {
				continue
			}
			remaining := e.effectiveTTL - now.Sub(e.refreshedAt)
			if remaining > 0 && float64(remaining) < fraction*float64(e.effectiveTTL) {
				e.pinned = true
				out = append(out, k)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Entries     int    `json:"entries"`
	Lookups     uint64 `json:"lookups"`
	Hits        uint64 `json:"hits"`
	StaleServes uint64 `json:"stale_serves"`
	Evictions   uint64 `json:"evictions"`
}

func (c *Cache) Snapshot() Stats {
	return Stats{
		Entries:     c.Len(),
		Lookups:     c.lookups.Load(),
		Hits:        c.hits.Load(),
		StaleServes: c.staleServes.Load(),
		Evictions:   c.evictions.Load(),
	}
}

// EntryInfo describes one cache entry for the observability surface.
type EntryInfo struct {
	Name         string `json:"name"`
	Qtype        string `json:"qtype"`
	OriginalTTL  int64  `json:"original_ttl_secs"`
	EffectiveTTL int64  `json:"effective_ttl_secs"`
	RemainingTTL int64  `json:"remaining_ttl_secs"`
	Hits         uint64 `json:"hits"`
	StaleServed  uint64 `json:"stale_served"`
	Changes      int    `json:"answer_changes"`
	Provenance   string `json:"provenance"`
}

// Dump lists up to limit entries for the observability surface.
func (c *Cache) Dump(limit int) []EntryInfo {
	now := c.timeNow()
	var out []EntryInfo
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if limit > 0 && len(out) >= limit {
				sh.mu.Unlock()
				return out
			}
			remaining := e.effectiveTTL - now.Sub(e.refreshedAt)
			if remaining < 0 {
				remaining = 0
			}
			out = append(out, EntryInfo{
				Name:         k.Name,
				Qtype:        dns.TypeToString[k.Qtype],
				OriginalTTL:  int64(e.originalTTL / time.Second),
				EffectiveTTL: int64(e.effectiveTTL / time.Second),
				RemainingTTL: int64(remaining / time.Second),
				Hits:         e.hits,
				StaleServed:  e.staleServed,
				Changes:      len(e.changeTimes),
				Provenance:   e.provenance,
			})
		}
		sh.mu.Unlock()
	}
	return out
}

func pruneChanges(times []time.Time, now time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) < time.Hour {
			out = append(out, t)
		}
	}
	return out
}

// replyCopy returns a copy with all non-OPT RR TTLs rewritten and the Zero
// bit cleared so the engine may stamp the reply freely.
func replyCopy(msg *dns.Msg, ttl uint32) *dns.Msg {
	out := msg.Copy()
	out.Zero = false
	for _, section := range [][]dns.RR{out.Answer, out.Ns, out.Extra} {
		for _, rr := range section {
			if rr != nil && rr.Header().Rrtype != dns.TypeOPT {
				rr.Header().Ttl = ttl
			}
		}
	}
	return out
}
