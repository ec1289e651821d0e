package upstream

import (
	"math"
	"time"
)

// Trust is scored over the most recent outcomes:
//
//	score = 0.7 * success_rate + 0.3 * (1 - normalized_latency_variance)
//
// where normalized variance is the coefficient of variation of successful
// latencies, clamped to [0,1]. A server that always answers but with wildly
// swinging latency scores worse than a steady one.
const (
	windowSize       = 200
	minSamples       = 20
	DisableThreshold = 0.5
)

type outcome struct {
	ok      bool
	latency time.Duration
}

// trustWindow is a fixed ring of the last windowSize outcomes.
type trustWindow struct {
	ring [windowSize]outcome
	next int
	size int
}

func (w *trustWindow) push(o outcome) {
	w.ring[w.next] = o
	w.next = (w.next + 1) % windowSize
	if w.size < windowSize {
		w.size++
	}
}

func (w *trustWindow) score() float64 {
	if w.size == 0 {
		return 1 // benefit of the doubt until sampled
	}
	okCount := 0
	var sum, sumSq float64
	latencies := 0
	for i := 0; i < w.size; i++ {
		o := w.ring[i]
		if !o.ok {
			continue
		}
		okCount++
		ms := float64(o.latency) / float64(time.Millisecond)
		sum += ms
		sumSq += ms * ms
		latencies++
	}
	successRate := float64(okCount) / float64(w.size)
	normVar := 0.0
	if latencies > 1 && sum > 0 {
		mean := sum / float64(latencies)
		variance := sumSq/float64(latencies) - mean*mean
		if variance < 0 {
			variance = 0
		}
		normVar = math.Sqrt(variance) / mean
		if normVar > 1 {
			normVar = 1
		}
	}
	return 0.7*successRate + 0.3*(1-normVar)
}

// Grade maps a trust score to a report-card letter for dashboards.
func Grade(score float64) string {
	switch {
	case score >= 0.97:
		return "A+"
	case score >= 0.9:
		return "A"
	case score >= 0.8:
		return "B"
	case score >= 0.7:
		return "C"
	case score >= 0.5:
		return "D"
	default:
		return "F"
	}
}
