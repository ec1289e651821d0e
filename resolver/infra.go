package resolver

import (
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Jacobson/Karels RTT estimation per authoritative server address.
const (
	rtoMin = 50 * time.Millisecond
	rtoMax = 2 * time.Second

	// Servers within this band above the best SRTT are considered
	// equivalent and chosen among uniformly.
	rttBand = 200 * time.Millisecond

	// Cold servers are slotted at the current median plus this penalty so
	// they get tried without dominating warm ones.
	coldPenalty = 50 * time.Millisecond

	// After this many consecutive losses a server sinks to the tail of the
	// selection order with the maximum RTO.
	maxConsecutiveFailures = 3
)

// RttInfo tracks one server's smoothed RTT state. All durations are
// maintained under the owning Infra lock.
type RttInfo struct {
	srtt     time.Duration
	rttvar   time.Duration
	failures int  // consecutive
	cold     bool // no successful sample yet
}

func newRttInfo() *RttInfo {
	return &RttInfo{cold: true}
}

// update folds in a successful RTT sample with alpha=1/8, beta=1/4.
func (ri *RttInfo) update(sample time.Duration) {
	if ri.cold {
		ri.srtt = sample
		ri.rttvar = sample / 2
		ri.cold = false
	} else {
		diff := ri.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		ri.rttvar += (diff - ri.rttvar) / 4
		ri.srtt += (sample - ri.srtt) / 8
	}
	ri.failures = 0
}

// lost records a timeout. SRTT is untouched; variance doubles so the next
// RTO backs off.
func (ri *RttInfo) lost() {
	ri.rttvar *= 2
	if ri.rttvar > rtoMax {
		ri.rttvar = rtoMax
	}
	ri.failures++
}

// rto is the retransmit timeout, clamped to [rtoMin, rtoMax]. A server past
// the failure threshold always gets the maximum.
func (ri *RttInfo) rto() time.Duration {
	if ri.failures >= maxConsecutiveFailures {
		return rtoMax
	}
	d := ri.srtt + 4*ri.rttvar
	if d < rtoMin {
		return rtoMin
	}
	if d > rtoMax {
		return rtoMax
	}
	return d
}

func (ri *RttInfo) demoted() bool {
	return ri.failures >= maxConsecutiveFailures
}

// Infra is the process-wide table of per-server RTT records, shared by all
// in-flight resolutions.
type Infra struct {
	mu      sync.Mutex
	servers map[netip.Addr]*RttInfo
	rand    *rand.Rand
}

func NewInfra() *Infra {
	return &Infra{
		servers: make(map[netip.Addr]*RttInfo),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (inf *Infra) get(addr netip.Addr) *RttInfo {
	ri, ok := inf.servers[addr]
	if !ok {
		ri = newRttInfo()
		inf.servers[addr] = ri
	}
	return ri
}

// Observe records a successful exchange with addr.
func (inf *Infra) Observe(addr netip.Addr, rtt time.Duration) {
	inf.mu.Lock()
	inf.get(addr).update(rtt)
	inf.mu.Unlock()
}

// Lost records a timeout against addr.
func (inf *Infra) Lost(addr netip.Addr) {
	inf.mu.Lock()
	inf.get(addr).lost()
	inf.mu.Unlock()
}

// RTO returns the current retransmit timeout for addr.
func (inf *Infra) RTO(addr netip.Addr) time.Duration {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	return inf.get(addr).rto()
}

// SRTT reports the smoothed RTT and whether addr has ever been sampled.
func (inf *Infra) SRTT(addr netip.Addr) (time.Duration, bool) {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	ri, ok := inf.servers[addr]
	if !ok || ri.cold {
		return 0, false
	}
	return ri.srtt, true
}

// Order ranks candidate addresses for a zone cut. The first entry is drawn
// uniformly from the band of servers whose effective SRTT lies within
// rttBand of the best; the rest follow in ascending SRTT order with demoted
// servers at the tail. Cold servers rank at the warm median plus a penalty.
func (inf *Infra) Order(addrs []netip.Addr) []netip.Addr {
	if len(addrs) <= 1 {
		return append([]netip.Addr(nil), addrs...)
	}
	inf.mu.Lock()
	defer inf.mu.Unlock()

	var warm []time.Duration
	for _, addr := range addrs {
		if ri, ok := inf.servers[addr]; ok && !ri.cold {
			warm = append(warm, ri.srtt)
		}
	}
	coldRank := coldPenalty
	if len(warm) > 0 {
		sort.Slice(warm, func(i, j int) bool { return warm[i] < warm[j] })
		coldRank = warm[len(warm)/2] + coldPenalty
	}

	type ranked struct {
		addr    netip.Addr
		srtt    time.Duration
		demoted bool
	}
	list := make([]ranked, 0, len(addrs))
	for _, addr := range addrs {
		r := ranked{addr: addr, srtt: coldRank}
		if ri, ok := inf.servers[addr]; ok {
			r.demoted = ri.demoted()
			if !ri.cold {
				r.srtt = ri.srtt
			}
		}
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].demoted != list[j].demoted {
			return !list[i].demoted
		}
		return list[i].srtt < list[j].srtt
	})

	// Uniform pick within the leading band.
	band := 1
	if !list[0].demoted {
		best := list[0].srtt
		for band < len(list) && !list[band].demoted && list[band].srtt <= best+rttBand {
			band++
		}
	}
	pick := inf.rand.Intn(band)
	list[0], list[pick] = list[pick], list[0]

	out := make([]netip.Addr, len(list))
	for i, r := range list {
		out[i] = r.addr
	}
	return out
}

// InfraInfo is a per-server view for the observability surface.
type InfraInfo struct {
	Addr     string  `json:"addr"`
	SRTTMs   float64 `json:"srtt_ms"`
	RTTVarMs float64 `json:"rttvar_ms"`
	RTOMs    float64 `json:"rto_ms"`
	Failures int     `json:"consecutive_failures"`
	Cold     bool    `json:"cold"`
}

func (inf *Infra) Snapshot() []InfraInfo {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	out := make([]InfraInfo, 0, len(inf.servers))
	for addr, ri := range inf.servers {
		out = append(out, InfraInfo{
			Addr:     addr.String(),
			SRTTMs:   float64(ri.srtt) / float64(time.Millisecond),
			RTTVarMs: float64(ri.rttvar) / float64(time.Millisecond),
			RTOMs:    float64(ri.rto()) / float64(time.Millisecond),
			Failures: ri.failures,
			Cold:     ri.cold,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
