package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestCuriosityQueueBound(t *testing.T) {
	t.Parallel()
	c := NewCuriosity()
	for i := 0; i < walkQueueSize+10; i++ {
		c.ObserveNS(fmt.Sprintf("ns%d.example.", i))
	}
	snap := c.Snapshot()
	assert.Equal(t, walkQueueSize, snap.Queued)
	assert.Equal(t, walkQueueSize+10, snap.KnownNS)
}

func TestCuriosityPopsMostReferenced(t *testing.T) {
	t.Parallel()
	c := NewCuriosity()
	c.ObserveNS("rare.example.")
	for i := 0; i < 5; i++ {
		c.ObserveNS("popular.example.")
	}
	name, ok := c.next()
	require.True(t, ok)
	assert.Equal(t, "popular.example.", name)

	name, ok = c.next()
	require.True(t, ok)
	assert.Equal(t, "rare.example.", name)

	_, ok = c.next()
	assert.False(t, ok)
}

func TestCuriosityWalkIsRateLimited(t *testing.T) {
	t.Parallel()
	c := NewCuriosity()
	// Speed the limiter up so the test finishes quickly.
	c.limiter = rate.NewLimiter(rate.Every(10*time.Millisecond), 1)
	for i := 0; i < 3; i++ {
		c.ObserveNS(fmt.Sprintf("ns%d.example.", i))
	}

	var mu sync.Mutex
	var resolved []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Walk(ctx, nil, func(_ context.Context, name string, qtype uint16) {
			assert.Equal(t, dns.TypeA, qtype)
			mu.Lock()
			resolved = append(resolved, name)
			if len(resolved) == 3 {
				cancel()
			}
			mu.Unlock()
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("walk did not drain the queue")
	}
	assert.Len(t, resolved, 3)
	assert.Equal(t, uint64(3), c.Snapshot().Walks)
}
