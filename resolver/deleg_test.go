package resolver

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelegationPutGet(t *testing.T) {
	t.Parallel()
	dc := NewDelegationCache()
	glue := []netip.Addr{netip.MustParseAddr("192.0.2.1")}
	dc.Put("COM.", []string{"a.gtld-servers.net."}, glue, time.Hour)

	d := dc.Get("com.")
	require.NotNil(t, d)
	assert.Equal(t, "com.", d.Zone)
	assert.Equal(t, glue, d.Glue)
	assert.Nil(t, dc.Get("net."))
}

func TestDelegationExpiry(t *testing.T) {
	t.Parallel()
	dc := NewDelegationCache()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	dc.timeNow = func() time.Time { return now }

	dc.Put("com.", []string{"ns.example."}, nil, time.Minute)
	require.NotNil(t, dc.Get("com."))

	now = now.Add(2 * time.Minute)
	assert.Nil(t, dc.Get("com."))
	assert.Equal(t, 0, dc.Len())
}

func TestDelegationTTLCap(t *testing.T) {
	t.Parallel()
	dc := NewDelegationCache()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	dc.timeNow = func() time.Time { return now }

	dc.Put("com.", []string{"ns.example."}, nil, 48*time.Hour)
	now = now.Add(delegationTTLCap + time.Second)
	assert.Nil(t, dc.Get("com."))
}

func TestClosestWalksTowardRoot(t *testing.T) {
	t.Parallel()
	dc := NewDelegationCache()
	dc.Put("com.", []string{"tld-ns.example."}, nil, time.Hour)
	dc.Put("example.com.", []string{"ns1.example.com."}, nil, time.Hour)

	// Deepest ancestor wins; the qname itself is never consulted.
	d := dc.Closest("www.example.com.")
	require.NotNil(t, d)
	assert.Equal(t, "example.com.", d.Zone)

	d = dc.Closest("example.com.")
	require.NotNil(t, d)
	assert.Equal(t, "com.", d.Zone)

	assert.Nil(t, dc.Closest("example.org."))
}
