package resolver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJourneyLogRing(t *testing.T) {
	t.Parallel()
	l := NewJourneyLog()
	for i := 0; i < journeyHistory+20; i++ {
		l.Record(&Journey{Qname: fmt.Sprintf("q%d.test.", i)})
	}
	recent := l.Recent(0)
	require.Len(t, recent, journeyHistory)
	// Newest first; the oldest 20 fell off.
	assert.Equal(t, fmt.Sprintf("q%d.test.", journeyHistory+19), recent[0].Qname)
	assert.Equal(t, "q20.test.", recent[len(recent)-1].Qname)
}

func TestJourneyLines(t *testing.T) {
	t.Parallel()
	j := &Journey{Qname: "www.example.com.", Qtype: "A", Outcome: "NOERROR", Duration: 42 * time.Millisecond}
	j.step(".", "referral", "to com.")
	j.step("com.", "referral", "to example.com.")
	j.step("example.com.", "answer", "from 192.0.2.53")

	lines := j.Lines()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "www.example.com. A -> NOERROR in 42ms")
	assert.Equal(t, "1. [.] referral to com.", lines[1])
	assert.Equal(t, "3. [example.com.] answer from 192.0.2.53", lines[3])
}

func TestJourneyLatest(t *testing.T) {
	t.Parallel()
	l := NewJourneyLog()
	assert.Nil(t, l.Latest())
	l.Record(&Journey{Qname: "a.test."})
	l.Record(&Journey{Qname: "b.test."})
	require.NotNil(t, l.Latest())
	assert.Equal(t, "b.test.", l.Latest().Qname)
}
