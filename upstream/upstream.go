// Package upstream implements the forwarding side of the resolver: a set of
// configured upstream servers, per-server trust scoring with automatic
// disable, and a parallel race that takes the first usable answer.
package upstream

import (
	"sync"
	"time"
)

// DefaultTimeout applies when a configured upstream has no timeout of its own.
const DefaultTimeout = 2 * time.Second

// Cooldown schedule for disabled upstreams. Each subsequent disable doubles
// the cooldown up to the cap.
const (
	baseCooldown = 30 * time.Second
	maxCooldown  = 5 * time.Minute
)

// Upstream is one configured forwarder target with its health state.
type Upstream struct {
	Name    string
	Addr    string // host:port
	Timeout time.Duration

	mu          sync.Mutex
	window      trustWindow
	successes   uint64
	failures    uint64
	timeouts    uint64
	latencyEWMA time.Duration
	disabled    bool
	reenableAt  time.Time
	cooldown    time.Duration

	timeNow func() time.Time // test hook
}

// New builds an Upstream with defaults filled in.
func New(name, addr string, timeout time.Duration) *Upstream {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Upstream{
		Name:    name,
		Addr:    addr,
		Timeout: timeout,
		timeNow: time.Now,
	}
}

// Usable reports whether the upstream may participate in a race. A disabled
// upstream becomes usable again once its cooldown elapses; the trust window
// is deliberately not reset, so it must earn its way back.
func (u *Upstream) Usable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.disabled {
		return true
	}
	if u.timeNow().After(u.reenableAt) {
		u.disabled = false
		return true
	}
	return false
}

// RecordSuccess feeds a won or completed exchange into the trust window.
func (u *Upstream) RecordSuccess(latency time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.successes++
	if u.latencyEWMA == 0 {
		u.latencyEWMA = latency
	} else {
		u.latencyEWMA = (u.latencyEWMA*7 + latency) / 8
	}
	u.window.push(outcome{ok: true, latency: latency})
	u.maybeDisable()
}

// RecordFailure feeds a SERVFAIL or transport error into the trust window.
func (u *Upstream) RecordFailure(timedOut bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures++
	if timedOut {
		u.timeouts++
	}
	u.window.push(outcome{ok: false})
	u.maybeDisable()
}

func (u *Upstream) maybeDisable() {
	if u.disabled || u.window.size < minSamples {
		return
	}
	if u.window.score() >= DisableThreshold {
		return
	}
	u.disabled = true
	if u.cooldown == 0 {
		u.cooldown = baseCooldown
	} else {
		u.cooldown *= 2
		if u.cooldown > maxCooldown {
			u.cooldown = maxCooldown
		}
	}
	u.reenableAt = u.timeNow().Add(u.cooldown)
}

// Info is a point-in-time view for the observability surface.
type Info struct {
	Name        string  `json:"name"`
	Addr        string  `json:"addr"`
	Trust       float64 `json:"trust"`
	Grade       string  `json:"grade"`
	Successes   uint64  `json:"successes"`
	Failures    uint64  `json:"failures"`
	Timeouts    uint64  `json:"timeouts"`
	LatencyMs   float64 `json:"latency_ewma_ms"`
	Disabled    bool    `json:"disabled"`
	CooldownSec float64 `json:"cooldown_secs,omitempty"`
}

func (u *Upstream) Snapshot() Info {
	u.mu.Lock()
	defer u.mu.Unlock()
	score := u.window.score()
	info := Info{
		Name:      u.Name,
		Addr:      u.Addr,
		Trust:     score,
		Grade:     Grade(score),
		Successes: u.successes,
		Failures:  u.failures,
		Timeouts:  u.timeouts,
		LatencyMs: float64(u.latencyEWMA) / float64(time.Millisecond),
		Disabled:  u.disabled,
	}
	if u.disabled {
		info.CooldownSec = u.reenableAt.Sub(u.timeNow()).Seconds()
	}
	return info
}
