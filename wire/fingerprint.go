package wire

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// Fingerprint hashes the answer RR set of a message, ignoring TTLs and
// section order. The cache compares fingerprints across re-admissions of
// the same key to detect volatile answers.
func Fingerprint(msg *dns.Msg) uint64 {
	lines := make([]string, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		clone := dns.Copy(rr)
		clone.Header().Ttl = 0
		lines = append(lines, clone.String())
	}
	sort.Strings(lines)
	h := fnv.New64a()
	for _, line := range lines {
		_, _ = h.Write([]byte(line))
		_, _ = h.Write([]byte{'\n'})
	}
	return h.Sum64()
}

// MinTTL returns the smallest TTL across the answer and authority sections,
// or false when the message carries no TTL-bearing records.
func MinTTL(msg *dns.Msg) (time.Duration, bool) {
	found := false
	min := uint32(0)
	scan := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			ttl := rr.Header().Ttl
			if !found || ttl < min {
				min = ttl
				found = true
			}
		}
	}
	scan(msg.Answer)
	scan(msg.Ns)
	return time.Duration(min) * time.Second, found
}

// SOAMinimum extracts the negative-TTL source from an NXDOMAIN/NODATA
// response: min(SOA MINIMUM, SOA record TTL) per RFC 2308.
func SOAMinimum(msg *dns.Msg) (time.Duration, bool) {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			secs := soa.Minttl
			if soa.Hdr.Ttl < secs {
				secs = soa.Hdr.Ttl
			}
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}
