package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/nekoy3/neko-dns/resolver"
)

// Informational TXT records appended to the additional section. Pure ASCII
// so dig and drill render them without escaping.
const (
	featuresTXTName = "neko-dns.features."
	journeyTXTName  = "neko-dns.journey."
)

// queryFeatures tracks which engine features fired while one query was
// processed, for the features TXT ornament.
type queryFeatures struct {
	cacheHit    bool
	cacheMiss   bool
	serveStale  bool
	ttlAlchemy  bool
	negative    bool
	speculative bool
	recursive   bool
	forwarded   bool
	edns        bool
	chaos       bool

	winner  string
	latency time.Duration
}

func (f *queryFeatures) summary() string {
	var tags []string
	add := func(on bool, tag string) {
		if on {
			tags = append(tags, tag)
		}
	}
	add(f.cacheHit, "CACHE_HIT")
	add(f.cacheMiss, "CACHE_MISS")
	add(f.serveStale, "SERVE_STALE")
	add(f.ttlAlchemy, "TTL_ALCHEMY")
	add(f.negative, "NEG_CACHE")
	add(f.speculative, "SPECULATIVE")
	add(f.recursive, "RECURSIVE")
	add(f.forwarded, "FORWARDED")
	add(f.edns, "EDNS")
	add(f.chaos, "CHAOS")

	parts := []string{fmt.Sprintf("neko-dns [%s]", strings.Join(tags, "|"))}
	if f.winner != "" {
		parts = append(parts, "via:"+f.winner)
	}
	parts = append(parts, fmt.Sprintf("%dms", f.latency.Milliseconds()))
	return strings.Join(parts, " ")
}

// appendFeatureTXT adds the feature summary as a TTL-zero TXT record in the
// additional section.
func appendFeatureTXT(reply *dns.Msg, f *queryFeatures) {
	reply.Extra = append(reply.Extra, txtRecord(featuresTXTName, f.summary()))
}

// appendJourneyTXT adds the resolution trace of the answered name, when the
// journey log has one.
func appendJourneyTXT(reply *dns.Msg, journeys *resolver.JourneyLog, qname string) {
	if journeys == nil {
		return
	}
	for _, j := range journeys.Recent(0) {
		if j.Qname != qname || len(j.Steps) == 0 {
			continue
		}
		reply.Extra = append(reply.Extra, txtRecord(journeyTXTName, strings.Join(j.Lines(), " ")))
		return
	}
}

// txtRecord builds a TTL-zero TXT record, chunked to the 255-octet
// character-string limit.
func txtRecord(name, text string) *dns.TXT {
	var chunks []string
	for len(text) > 255 {
		chunks = append(chunks, text[:255])
		text = text[255:]
	}
	chunks = append(chunks, text)
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
		Txt: chunks,
	}
}
