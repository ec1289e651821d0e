package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nxdomainMsg(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Response = true
	m.Rcode = dns.RcodeNameError
	soa, err := dns.NewRR("test. 300 IN SOA ns1.test. hostmaster.test. 1 7200 3600 1209600 60")
	if err != nil {
		panic(err)
	}
	m.Ns = append(m.Ns, soa)
	return m
}

func TestNegativeLookupAndExpiry(t *testing.T) {
	t.Parallel()
	n := NewNegative()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	n.timeNow = func() time.Time { return now }

	key := NewKey("nonexistent.test.", dns.TypeA)
	n.Admit(key, nxdomainMsg("nonexistent.test"), 60*time.Second)

	msg, origin, ok := n.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, OriginObserved, origin)
	assert.Equal(t, dns.RcodeNameError, msg.Rcode)

	now = now.Add(61 * time.Second)
	_, _, ok = n.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, 0, n.Len())
}

func TestNegativeTTLClamp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, MinNegativeTTL, ClampTTL(time.Second))
	assert.Equal(t, MaxNegativeTTL, ClampTTL(48*time.Hour))
	assert.Equal(t, 5*time.Minute, ClampTTL(5*time.Minute))
}

func TestSpeculativeNeverDisplacesObserved(t *testing.T) {
	t.Parallel()
	n := NewNegative()
	key := NewKey("typo.test.", dns.TypeA)
	n.Admit(key, nxdomainMsg("typo.test"), time.Minute)
	n.AdmitSpeculative(key, nxdomainMsg("typo.test"), 6*time.Second)

	_, origin, ok := n.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, OriginObserved, origin)
	assert.Equal(t, int64(0), n.Snapshot().Speculative)
}

func TestSpeculativeCountsAndRemoval(t *testing.T) {
	t.Parallel()
	n := NewNegative()
	key := NewKey("fooo.test.", dns.TypeA)
	n.AdmitSpeculative(key, nxdomainMsg("fooo.test"), 6*time.Second)
	assert.Equal(t, int64(1), n.Snapshot().Speculative)

	_, origin, ok := n.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, OriginSpeculative, origin)

	n.Remove(key)
	assert.Equal(t, int64(0), n.Snapshot().Speculative)
	_, _, ok = n.Lookup(key)
	assert.False(t, ok)
}

func TestStoreMutualExclusion(t *testing.T) {
	t.Parallel()
	s := NewStore()
	key := NewKey("flip.test.", dns.TypeA)

	s.AdmitPositive(key, answerMsg("flip.test", "192.0.2.1", 300), "recursive")
	s.AdmitNegative(key, nxdomainMsg("flip.test"), time.Minute)
	assert.False(t, s.Positive.Contains(key))
	_, _, ok := s.Negative.Lookup(key)
	assert.True(t, ok)

	s.AdmitPositive(key, answerMsg("flip.test", "192.0.2.1", 300), "recursive")
	_, _, ok = s.Negative.Lookup(key)
	assert.False(t, ok)
	assert.True(t, s.Positive.Contains(key))

	// A speculative typo entry never shadows a live positive answer.
	s.AdmitSpeculative(key, nxdomainMsg("flip.test"), 6*time.Second)
	_, _, ok = s.Negative.Lookup(key)
	assert.False(t, ok)
}

func TestTypoVariants(t *testing.T) {
	t.Parallel()
	got := TypoVariants("foo.example.com")
	assert.Contains(t, got, "fooo.example.com.")
	assert.Contains(t, got, "ofo.example.com.")
	assert.Contains(t, got, "oo.example.com.")
	assert.NotContains(t, got, "foo.example.com.")
	assert.LessOrEqual(t, len(got), MaxTypoVariants)

	for _, v := range TypoVariants("administration.example.") {
		assert.NotEqual(t, "administration.example.", v)
	}
	assert.Len(t, TypoVariants("administration.example."), MaxTypoVariants)

	assert.Empty(t, TypoVariants("."))
}
