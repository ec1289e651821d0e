package resolver

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Curiosity keeps opportunistically learned nameserver addresses warm. Every
// referral feeds the reference counts; a background walk occasionally
// re-resolves the most referenced NS name so its glue stays fresh in cache.
const (
	walkInterval  = 30 * time.Second
	walkQueueSize = 50
)

type Curiosity struct {
	mu      sync.Mutex
	refs    map[string]uint64 // NS owner name -> times seen in referrals
	queue   []string
	queued  map[string]bool
	limiter *rate.Limiter

	gluePromoted atomic.Uint64
	walks        atomic.Uint64
}

func NewCuriosity() *Curiosity {
	return &Curiosity{
		refs:    make(map[string]uint64),
		queued:  make(map[string]bool),
		limiter: rate.NewLimiter(rate.Every(walkInterval), 1),
	}
}

// ObserveNS notes a nameserver name seen in a referral and queues it for a
// future walk. The queue is bounded; when full, new names are dropped.
func (c *Curiosity) ObserveNS(name string) {
	name = dns.CanonicalName(name)
	c.mu.Lock()
	c.refs[name]++
	if !c.queued[name] && len(c.queue) < walkQueueSize {
		c.queue = append(c.queue, name)
		c.queued[name] = true
	}
	c.mu.Unlock()
}

// GluePromoted counts a glue record entered into the positive cache.
func (c *Curiosity) GluePromoted() {
	c.gluePromoted.Add(1)
}

// next pops the most referenced queued name.
func (c *Curiosity) next() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return "", false
	}
	sort.SliceStable(c.queue, func(i, j int) bool {
		return c.refs[c.queue[i]] > c.refs[c.queue[j]]
	})
	name := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, name)
	return name, true
}

// Walk runs the background random walk until ctx is done, resolving one
// queued NS name per rate-limiter token through resolve.
func (c *Curiosity) Walk(ctx context.Context, log logrus.FieldLogger, resolve func(context.Context, string, uint16)) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		name, ok := c.next()
		if !ok {
			continue
		}
		c.walks.Add(1)
		if log != nil {
			log.WithField("ns", name).Debug("curiosity walk")
		}
		walkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resolve(walkCtx, name, dns.TypeA)
		cancel()
	}
}

// CuriosityStats is a counter snapshot for the observability surface.
type CuriosityStats struct {
	KnownNS      int    `json:"known_ns"`
	Queued       int    `json:"queued"`
	Walks        uint64 `json:"walks"`
	GluePromoted uint64 `json:"glue_promoted"`
}

func (c *Curiosity) Snapshot() CuriosityStats {
	c.mu.Lock()
	known := len(c.refs)
	queued := len(c.queue)
	c.mu.Unlock()
	return CuriosityStats{
		KnownNS:      known,
		Queued:       queued,
		Walks:        c.walks.Load(),
		GluePromoted: c.gluePromoted.Load(),
	}
}
