// Package journal is a circular-buffer store of per-query events for the
// observability surface. It never blocks the hot path: writes take one
// mutex acquisition and the buffer size is fixed.
package journal

import (
	"strings"
	"sync"
	"time"
)

// DefaultSize is how many entries are retained.
const DefaultSize = 1000

// Entry records one answered query.
type Entry struct {
	At       time.Time     `json:"at"`
	Client   string        `json:"client"`
	Qname    string        `json:"qname"`
	Qtype    string        `json:"qtype"`
	Rcode    string        `json:"rcode"`
	Source   string        `json:"source"` // cache, stale, negative, speculative, upstream:<name>, recursive, chaos
	Duration time.Duration `json:"duration_ns"`
}

type Journal struct {
	mu   sync.Mutex
	ring []Entry
	next int
	size int
}

func New(size int) *Journal {
	if size <= 0 {
		size = DefaultSize
	}
	return &Journal{ring: make([]Entry, size)}
}

func (j *Journal) Record(e Entry) {
	j.mu.Lock()
	j.ring[j.next] = e
	j.next = (j.next + 1) % len(j.ring)
	if j.size < len(j.ring) {
		j.size++
	}
	j.mu.Unlock()
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= 0 || n > j.size {
		n = j.size
	}
	out := make([]Entry, 0, n)
	idx := j.next
	for len(out) < n {
		idx--
		if idx < 0 {
			idx = len(j.ring) - 1
		}
		out = append(out, j.ring[idx])
	}
	return out
}

// Search returns entries whose qname contains the substring, newest first,
// capped at limit.
func (j *Journal) Search(substr string, limit int) []Entry {
	substr = strings.ToLower(substr)
	all := j.Recent(0)
	var out []Entry
	for _, e := range all {
		if strings.Contains(strings.ToLower(e.Qname), substr) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}
