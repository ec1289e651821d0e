package resolver

import (
	"fmt"
	"sync"
	"time"
)

// A Journey is the trace of one resolution: which cuts were visited, which
// servers answered, how it ended. Traces feed the observability surface and
// the journey TXT endpoint.
type Journey struct {
	Qname    string        `json:"qname"`
	Qtype    string        `json:"qtype"`
	Steps    []JourneyStep `json:"steps"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration_ns"`
	Outcome  string        `json:"outcome"`
}

type JourneyStep struct {
	Zone   string    `json:"zone"`
	Action string    `json:"action"` // referral, answer, nxdomain, timeout, loop
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

func (j *Journey) step(zone, action, detail string) {
	j.Steps = append(j.Steps, JourneyStep{Zone: zone, Action: action, Detail: detail, At: time.Now()})
}

// Lines renders the journey as TXT-sized strings.
func (j *Journey) Lines() []string {
	out := make([]string, 0, len(j.Steps)+1)
	out = append(out, fmt.Sprintf("%s %s -> %s in %dms", j.Qname, j.Qtype, j.Outcome, j.Duration.Milliseconds()))
	for i, s := range j.Steps {
		line := fmt.Sprintf("%d. [%s] %s %s", i+1, s.Zone, s.Action, s.Detail)
		if len(line) > 250 {
			line = line[:250]
		}
		out = append(out, line)
	}
	return out
}

// journeyHistory bounds the retained traces.
const journeyHistory = 100

// JourneyLog keeps the most recent journeys.
type JourneyLog struct {
	mu   sync.Mutex
	ring []*Journey
	next int
	size int
}

func NewJourneyLog() *JourneyLog {
	return &JourneyLog{ring: make([]*Journey, journeyHistory)}
}

func (l *JourneyLog) Record(j *Journey) {
	if j == nil {
		return
	}
	l.mu.Lock()
	l.ring[l.next] = j
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
	l.mu.Unlock()
}

// Recent returns up to n journeys, newest first.
func (l *JourneyLog) Recent(n int) []*Journey {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]*Journey, 0, n)
	idx := l.next
	for len(out) < n {
		idx--
		if idx < 0 {
			idx = len(l.ring) - 1
		}
		out = append(out, l.ring[idx])
	}
	return out
}

// Latest returns the most recent journey, or nil.
func (l *JourneyLog) Latest() *Journey {
	got := l.Recent(1)
	if len(got) == 0 {
		return nil
	}
	return got[0]
}
