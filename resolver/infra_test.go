package resolver

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRttInfoFirstSample(t *testing.T) {
	t.Parallel()
	ri := newRttInfo()
	assert.True(t, ri.cold)
	ri.update(80 * time.Millisecond)
	assert.False(t, ri.cold)
	assert.Equal(t, 80*time.Millisecond, ri.srtt)
	assert.Equal(t, 40*time.Millisecond, ri.rttvar)
}

func TestRttInfoBlend(t *testing.T) {
	t.Parallel()
	ri := newRttInfo()
	ri.update(80 * time.Millisecond)
	ri.update(160 * time.Millisecond)
	// srtt moves by 1/8 of the error: 80 + 80/8 = 90ms.
	assert.Equal(t, 90*time.Millisecond, ri.srtt)
	// rttvar moves by 1/4 toward |diff|: 40 + (80-40)/4 = 50ms.
	assert.Equal(t, 50*time.Millisecond, ri.rttvar)
}

func TestRttInfoLostBacksOff(t *testing.T) {
	t.Parallel()
	ri := newRttInfo()
	ri.update(100 * time.Millisecond)
	before := ri.rto()
	ri.lost()
	assert.Greater(t, ri.rto(), before)
	assert.Equal(t, 1, ri.failures)

	// Success clears the consecutive-failure count.
	ri.update(100 * time.Millisecond)
	assert.Equal(t, 0, ri.failures)
}

func TestRtoClamp(t *testing.T) {
	t.Parallel()
	ri := newRttInfo()
	ri.update(time.Millisecond)
	assert.Equal(t, rtoMin, ri.rto())

	ri.update(10 * time.Second)
	assert.Equal(t, rtoMax, ri.rto())

	ri2 := newRttInfo()
	ri2.update(10 * time.Millisecond)
	for i := 0; i < maxConsecutiveFailures; i++ {
		ri2.lost()
	}
	assert.Equal(t, rtoMax, ri2.rto())
	assert.True(t, ri2.demoted())
}

func TestOrderBandAndDemotion(t *testing.T) {
	t.Parallel()
	inf := NewInfra()
	fast := netip.MustParseAddr("192.0.2.1")
	near := netip.MustParseAddr("192.0.2.2")
	far := netip.MustParseAddr("192.0.2.3")
	dead := netip.MustParseAddr("192.0.2.4")

	inf.Observe(fast, 20*time.Millisecond)
	inf.Observe(near, 120*time.Millisecond) // inside the 200ms band
	inf.Observe(far, 900*time.Millisecond)  // outside
	inf.Observe(dead, 10*time.Millisecond)
	for i := 0; i < maxConsecutiveFailures; i++ {
		inf.Lost(dead)
	}

	addrs := []netip.Addr{dead, far, near, fast}
	bandHits := map[netip.Addr]int{}
	for i := 0; i < 200; i++ {
		got := inf.Order(addrs)
		require.Len(t, got, 4)
		bandHits[got[0]]++
		// The demoted server always sorts last.
		assert.Equal(t, dead, got[3])
	}
	// Both band members got picked first at least once; the far server never.
	assert.Greater(t, bandHits[fast], 0)
	assert.Greater(t, bandHits[near], 0)
	assert.Zero(t, bandHits[far])
	assert.Zero(t, bandHits[dead])
}

func TestOrderColdServersAreTried(t *testing.T) {
	t.Parallel()
	inf := NewInfra()
	warm := netip.MustParseAddr("192.0.2.1")
	cold := netip.MustParseAddr("192.0.2.9")
	inf.Observe(warm, 30*time.Millisecond)

	// Cold ranks at median (30ms) + penalty, inside the band, so it is
	// sometimes chosen first.
	first := map[netip.Addr]int{}
	for i := 0; i < 200; i++ {
		first[inf.Order([]netip.Addr{warm, cold})[0]]++
	}
	assert.Greater(t, first[cold], 0)
	assert.Greater(t, first[warm], 0)
}

func TestInfraSnapshot(t *testing.T) {
	t.Parallel()
	inf := NewInfra()
	inf.Observe(netip.MustParseAddr("192.0.2.1"), 25*time.Millisecond)
	inf.Lost(netip.MustParseAddr("192.0.2.2"))

	snap := inf.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "192.0.2.1", snap[0].Addr)
	assert.False(t, snap[0].Cold)
	assert.InDelta(t, 25, snap[0].SRTTMs, 0.01)
	assert.True(t, snap[1].Cold)
	assert.Equal(t, 1, snap[1].Failures)
}
