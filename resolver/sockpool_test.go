package resolver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketPoolReuse(t *testing.T) {
	t.Parallel()
	p := NewSocketPool()
	defer p.Close()

	c1, err := p.Acquire()
	require.NoError(t, err)
	p.Release(c1)
	assert.Equal(t, 1, p.Idle())

	c2, err := p.Acquire()
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 0, p.Idle())
	p.Release(c2)
}

func TestSocketPoolIdleExpiry(t *testing.T) {
	t.Parallel()
	p := NewSocketPool()
	defer p.Close()

	c1, err := p.Acquire()
	require.NoError(t, err)
	p.Release(c1)
	p.idle[0].idleFrom = time.Now().Add(-2 * socketIdleLimit)

	c2, err := p.Acquire()
	require.NoError(t, err)
	defer p.Release(c2)
	assert.NotSame(t, c1, c2)
}

func TestSocketPoolBound(t *testing.T) {
	t.Parallel()
	p := NewSocketPool()
	p.max = 2
	defer p.Close()

	var conns []net.PacketConn
	for i := 0; i < 4; i++ {
		c, err := p.Acquire()
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}
	// Two went back to the pool, the rest were closed.
	assert.Equal(t, 2, p.Idle())
}
