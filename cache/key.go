package cache

import (
	"hash/fnv"

	"github.com/miekg/dns"
)

// Key identifies a cached RR set. Name is the canonical (lowercased,
// fully-qualified) form so lookups are case-insensitive. Class is always
// IN and is not part of the key.
type Key struct {
	Name  string
	Qtype uint16
}

// NewKey canonicalizes name and builds a Key.
func NewKey(name string, qtype uint16) Key {
	return Key{Name: dns.CanonicalName(name), Qtype: qtype}
}

func (k Key) String() string {
	return k.Name + " " + dns.TypeToString[k.Qtype]
}

const shardCount = 64

func (k Key) shard() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Name))
	_, _ = h.Write([]byte{byte(k.Qtype >> 8), byte(k.Qtype)})
	return h.Sum32() % shardCount
}
