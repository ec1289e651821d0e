package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Negative TTL clamp per RFC 2308 practice.
const (
	MinNegativeTTL = 30 * time.Second
	MaxNegativeTTL = time.Hour
)

// Origin tags how a negative entry came to exist.
type Origin uint8

const (
	// OriginObserved entries record an NXDOMAIN or NODATA a server returned.
	OriginObserved Origin = iota
	// OriginSpeculative entries are synthesized typo variants of an observed
	// NXDOMAIN. They carry a tenth of the seed's TTL and must be verified in
	// the background when they answer a live query.
	OriginSpeculative
)

func (o Origin) String() string {
	if o == OriginSpeculative {
		return "speculative"
	}
	return "observed"
}

type negEntry struct {
	msg     *dns.Msg
	origin  Origin
	expires time.Time
}

type negShard struct {
	mu      sync.Mutex
	entries map[Key]*negEntry
}

// Negative stores NXDOMAIN and NODATA answers keyed like the positive
// cache. Expired entries are removed lazily on lookup.
type Negative struct {
	lookups     atomic.Uint64
	hits        atomic.Uint64
	speculative atomic.Int64

	shards [shardCount]*negShard

	timeNow func() time.Time // test hook
}

func NewNegative() *Negative {
	n := &Negative{timeNow: time.Now}
	for i := range n.shards {
		n.shards[i] = &negShard{entries: make(map[Key]*negEntry)}
	}
	return n
}

// ClampTTL bounds a SOA-derived negative TTL.
func ClampTTL(d time.Duration) time.Duration {
	if d < MinNegativeTTL {
		return MinNegativeTTL
	}
	if d > MaxNegativeTTL {
		return MaxNegativeTTL
	}
	return d
}

// Admit stores an observed negative answer for ttl. The message is copied;
// it should carry the server's SOA in the authority section so replies stay
// RFC 2308 shaped.
func (n *Negative) Admit(key Key, msg *dns.Msg, ttl time.Duration) {
	n.insert(key, msg, ClampTTL(ttl), OriginObserved)
}

// AdmitSpeculative stores a synthesized typo entry. It never displaces an
// observed entry for the same key.
func (n *Negative) AdmitSpeculative(key Key, msg *dns.Msg, ttl time.Duration) {
	n.insert(key, msg, ttl, OriginSpeculative)
}

func (n *Negative) insert(key Key, msg *dns.Msg, ttl time.Duration, origin Origin) {
	if msg == nil || ttl <= 0 {
		return
	}
	stored := msg.Copy()
	stored.Zero = true
	now := n.timeNow()
	sh := n.shards[key.shard()]
	sh.mu.Lock()
	prev, existed := sh.entries[key]
	if existed && origin == OriginSpeculative && prev.origin == OriginObserved && now.Before(prev.expires) {
		sh.mu.Unlock()
		return
	}
	if existed && prev.origin == OriginSpeculative && origin != OriginSpeculative {
		n.speculative.Add(-1)
	}
	if !existed && origin == OriginSpeculative {
		n.speculative.Add(1)
	}
	sh.entries[key] = &negEntry{msg: stored, origin: origin, expires: now.Add(ttl)}
	sh.mu.Unlock()
}

// Lookup returns a reply-ready copy and the entry origin. Callers answering
// from a speculative entry are expected to verify it out of band.
func (n *Negative) Lookup(key Key) (*dns.Msg, Origin, bool) {
	n.lookups.Add(1)
	now := n.timeNow()
	sh := n.shards[key.shard()]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return nil, OriginObserved, false
	}
	if now.After(e.expires) {
		if e.origin == OriginSpeculative {
			n.speculative.Add(-1)
		}
		delete(sh.entries, key)
		return nil, OriginObserved, false
	}
	n.hits.Add(1)
	out := e.msg.Copy()
	out.Zero = false
	return out, e.origin, true
}

// Remove deletes the entry for key, typically after a background
// verification disproved a speculative.
func (n *Negative) Remove(key Key) {
	sh := n.shards[key.shard()]
	sh.mu.Lock()
	if e, ok := sh.entries[key]; ok {
		if e.origin == OriginSpeculative {
			n.speculative.Add(-1)
		}
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
}

// Len returns the number of live entries, expired ones included until their
// next lookup.
func (n *Negative) Len() (total int) {
	for _, sh := range n.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return
}

// NegativeStats is a point-in-time counter snapshot.
type NegativeStats struct {
	Entries     int    `json:"entries"`
	Speculative int64  `json:"speculative"`
	Lookups     uint64 `json:"lookups"`
	Hits        uint64 `json:"hits"`
}

func (n *Negative) Snapshot() NegativeStats {
	return NegativeStats{
		Entries:     n.Len(),
		Speculative: n.speculative.Load(),
		Lookups:     n.lookups.Load(),
		Hits:        n.hits.Load(),
	}
}
