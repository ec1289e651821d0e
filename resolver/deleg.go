package resolver

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Delegations cached by zone cut so warm resolutions skip the root.
const delegationTTLCap = 30 * time.Minute

// Delegation records the authoritative NS set for one zone cut plus any
// glue addresses learned from the referral.
type Delegation struct {
	Zone    string
	NS      []string
	Glue    []netip.Addr
	expires time.Time
}

type DelegationCache struct {
	mu    sync.RWMutex
	zones map[string]*Delegation

	timeNow func() time.Time // test hook
}

func NewDelegationCache() *DelegationCache {
	return &DelegationCache{
		zones:   make(map[string]*Delegation),
		timeNow: time.Now,
	}
}

// Put stores the delegation for zone with a TTL from the referring NS
// records, capped so stale cuts cannot linger for hours.
func (dc *DelegationCache) Put(zone string, ns []string, glue []netip.Addr, ttl time.Duration) {
	if len(ns) == 0 {
		return
	}
	if ttl <= 0 || ttl > delegationTTLCap {
		ttl = delegationTTLCap
	}
	zone = dns.CanonicalName(zone)
	dc.mu.Lock()
	dc.zones[zone] = &Delegation{
		Zone:    zone,
		NS:      append([]string(nil), ns...),
		Glue:    append([]netip.Addr(nil), glue...),
		expires: dc.timeNow().Add(ttl),
	}
	dc.mu.Unlock()
}

// Get returns the live delegation for exactly zone.
func (dc *DelegationCache) Get(zone string) *Delegation {
	zone = dns.CanonicalName(zone)
	dc.mu.RLock()
	d, ok := dc.zones[zone]
	dc.mu.RUnlock()
	if !ok {
		return nil
	}
	if dc.timeNow().After(d.expires) {
		dc.mu.Lock()
		if cur, ok := dc.zones[zone]; ok && cur == d {
			delete(dc.zones, zone)
		}
		dc.mu.Unlock()
		return nil
	}
	return d
}

// Closest walks qname's ancestors from the parent toward the root and
// returns the deepest cached delegation, or nil when only the root is known.
// The query name itself is skipped; a cut for the name proper would shadow
// the answer lookup.
func (dc *DelegationCache) Closest(qname string) *Delegation {
	labels := dns.SplitDomainName(dns.CanonicalName(qname))
	for i := 1; i < len(labels); i++ {
		zone := dns.Fqdn(strings.Join(labels[i:], "."))
		if d := dc.Get(zone); d != nil {
			return d
		}
	}
	return nil
}

// Len returns the number of cached cuts, expired ones included until their
// next lookup.
func (dc *DelegationCache) Len() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.zones)
}
