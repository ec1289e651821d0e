package engine

import (
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/nekoy3/neko-dns/config"
)

// Chaos injects SERVFAIL with a configured probability so downstream
// applications can be tested against resolver outages. Excluded domains
// (suffix match) are never failed, and an injected failure leaves the
// caches untouched.
type Chaos struct {
	enabled     bool
	probability float64
	exclude     []string

	checked  atomic.Uint64
	injected atomic.Uint64

	roll func() float64 // test hook
}

func NewChaos(cfg config.Chaos) *Chaos {
	c := &Chaos{
		enabled:     cfg.Enabled,
		probability: cfg.ServfailProbability,
		roll:        rand.Float64,
	}
	for _, d := range cfg.Exclude {
		c.exclude = append(c.exclude, dns.CanonicalName(d))
	}
	return c
}

// ShouldFail decides whether this query gets an injected SERVFAIL. qname
// must be canonical.
func (c *Chaos) ShouldFail(qname string) bool {
	if !c.enabled {
		return false
	}
	c.checked.Add(1)
	for _, suffix := range c.exclude {
		if qname == suffix || strings.HasSuffix(qname, "."+suffix) || suffix == "." {
			return false
		}
	}
	if c.roll() < c.probability {
		c.injected.Add(1)
		return true
	}
	return false
}

// ChaosStats is a counter snapshot for the observability surface.
type ChaosStats struct {
	Enabled     bool     `json:"enabled"`
	Probability float64  `json:"probability"`
	Checked     uint64   `json:"checked"`
	Injected    uint64   `json:"injected"`
	Exclude     []string `json:"exclude,omitempty"`
}

func (c *Chaos) Snapshot() ChaosStats {
	return ChaosStats{
		Enabled:     c.enabled,
		Probability: c.probability,
		Checked:     c.checked.Load(),
		Injected:    c.injected.Load(),
		Exclude:     c.exclude,
	}
}
