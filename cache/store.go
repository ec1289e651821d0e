package cache

import (
	"time"

	"github.com/miekg/dns"
)

// Store pairs the positive and negative caches and keeps them mutually
// exclusive: admitting a key to one side evicts it from the other, so no
// key ever answers from both.
type Store struct {
	Positive *Cache
	Negative *Negative
}

func NewStore() *Store {
	return &Store{Positive: New(), Negative: NewNegative()}
}

// AdmitPositive stores an answer and clears any negative entry for the key.
func (s *Store) AdmitPositive(key Key, msg *dns.Msg, provenance string) {
	s.Negative.Remove(key)
	s.Positive.Admit(key, msg, provenance)
}

// AdmitNegative stores an observed negative answer and clears any positive
// entry for the key.
func (s *Store) AdmitNegative(key Key, msg *dns.Msg, ttl time.Duration) {
	s.Positive.Remove(key)
	s.Negative.Admit(key, msg, ttl)
}

// AdmitSpeculative stores a typo variant unless the key already has a
// positive answer.
func (s *Store) AdmitSpeculative(key Key, msg *dns.Msg, ttl time.Duration) {
	if s.Positive.Contains(key) {
		return
	}
	s.Negative.AdmitSpeculative(key, msg, ttl)
}
