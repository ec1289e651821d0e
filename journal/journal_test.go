package journal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRingWraps(t *testing.T) {
	t.Parallel()
	j := New(5)
	for i := 0; i < 8; i++ {
		j.Record(Entry{Qname: fmt.Sprintf("q%d.test.", i)})
	}
	assert.Equal(t, 5, j.Len())
	got := j.Recent(0)
	require.Len(t, got, 5)
	assert.Equal(t, "q7.test.", got[0].Qname)
	assert.Equal(t, "q3.test.", got[4].Qname)
}

func TestJournalSearch(t *testing.T) {
	t.Parallel()
	j := New(10)
	j.Record(Entry{Qname: "www.example.com.", Source: "cache"})
	j.Record(Entry{Qname: "mail.example.com.", Source: "recursive"})
	j.Record(Entry{Qname: "other.test.", Source: "cache"})

	got := j.Search("EXAMPLE", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "mail.example.com.", got[0].Qname)

	got = j.Search("example", 1)
	assert.Len(t, got, 1)

	assert.Empty(t, j.Search("missing", 0))
}
