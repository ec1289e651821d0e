package resolver

import (
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Response classification for one exchange during the walk.
type kind int

const (
	kindUseless kind = iota // REFUSED, FORMERR, SERVFAIL, lame referral
	kindAnswer              // answer records or an authoritative NODATA
	kindNxdomain
	kindReferral
)

// referral is an extracted delegation toward the target.
type referral struct {
	zone string
	ns   []string
	glue []netip.Addr
	ttl  time.Duration
}

// classify decides what a response from a server for zone means for qname.
// A referral counts only when it advances the cut strictly toward the
// target; referrals to the same or an ancestor zone are lame and ignored.
func classify(resp *dns.Msg, zone, qname string, qtype uint16) (kind, *referral) {
	switch resp.Rcode {
	case dns.RcodeNameError:
		return kindNxdomain, nil
	case dns.RcodeSuccess:
	default:
		return kindUseless, nil
	}

	if hasRRType(resp.Answer, qtype) {
		return kindAnswer, nil
	}
	if _, ok := cnameTarget(resp, qname); ok {
		return kindAnswer, nil
	}
	if _, ok := dnameSynthesize(resp, qname); ok {
		return kindAnswer, nil
	}

	if ref := extractReferral(resp, zone, qname); ref != nil {
		return kindReferral, ref
	}

	// NODATA: an SOA in authority with nothing to delegate.
	for _, rr := range resp.Ns {
		if _, ok := rr.(*dns.SOA); ok {
			return kindAnswer, nil
		}
	}
	return kindUseless, nil
}

func extractReferral(resp *dns.Msg, zone, qname string) *referral {
	var ref *referral
	for _, rr := range resp.Ns {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		owner := dns.CanonicalName(ns.Hdr.Name)
		if !dns.IsSubDomain(owner, qname) {
			continue
		}
		if dns.CountLabel(owner) <= dns.CountLabel(dns.CanonicalName(zone)) {
			continue // same or ancestor cut, not an advance
		}
		if ref == nil {
			ref = &referral{zone: owner, ttl: time.Duration(ns.Hdr.Ttl) * time.Second}
		}
		if owner == ref.zone {
			ref.ns = append(ref.ns, strings.ToLower(ns.Ns))
		}
	}
	if ref == nil {
		return nil
	}
	ref.glue = glueAddresses(resp)
	return ref
}

func hasRRType(rrs []dns.RR, t uint16) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == t {
			return true
		}
	}
	return false
}

func glueAddresses(m *dns.Msg) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range m.Extra {
		switch a := rr.(type) {
		case *dns.A:
			if addr := ipToAddr(a.A); addr.IsValid() {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr := ipToAddr(a.AAAA); addr.IsValid() {
				addrs = append(addrs, addr)
			}
		}
	}
	return dedupAddrs(addrs)
}

func dedupAddrs(addrs []netip.Addr) []netip.Addr {
	seen := map[netip.Addr]struct{}{}
	var out []netip.Addr
	for _, addr := range addrs {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func ipToAddr(ip []byte) (addr netip.Addr) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return
	}
	return a.Unmap()
}

// -------- CNAME/DNAME helpers ---------

func cnameTarget(resp *dns.Msg, owner string) (string, bool) {
	lo := strings.ToLower(owner)
	for _, rr := range resp.Answer {
		if c, ok := rr.(*dns.CNAME); ok && strings.EqualFold(c.Hdr.Name, lo) {
			return dns.Fqdn(strings.ToLower(c.Target)), true
		}
	}
	return "", false
}

// dnameSynthesize finds a DNAME and synthesizes the new qname per RFC 6672.
func dnameSynthesize(resp *dns.Msg, qname string) (string, bool) {
	q := strings.ToLower(qname)
	for _, rr := range resp.Answer {
		if d, ok := rr.(*dns.DNAME); ok {
			owner := strings.ToLower(d.Hdr.Name)
			if strings.HasSuffix(q, owner) {
				prefix := strings.TrimSuffix(q, owner)
				// Avoid double dots when concatenating
				prefix = strings.TrimSuffix(prefix, ".")
				tgt := dns.Fqdn(strings.Trim(prefix, ".") + "." + strings.ToLower(d.Target))
				return tgt, true
			}
		}
	}
	return "", false
}

func cnameChainRecords(rrs []dns.RR, owner string) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if cname, ok := rr.(*dns.CNAME); ok {
			if strings.EqualFold(cname.Hdr.Name, owner) {
				out = append(out, rr)
			}
		}
	}
	return out
}

func dnameRecords(rrs []dns.RR, qname string) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if d, ok := rr.(*dns.DNAME); ok {
			if strings.HasSuffix(strings.ToLower(qname), strings.ToLower(d.Hdr.Name)) {
				out = append(out, rr)
			}
		}
		if cname, ok := rr.(*dns.CNAME); ok {
			if strings.EqualFold(cname.Hdr.Name, qname) {
				out = append(out, rr)
			}
		}
	}
	return out
}

func prependRecords(msg *dns.Msg, resp *dns.Msg, qname string, gather func([]dns.RR, string) []dns.RR) {
	records := gather(resp.Answer, qname)
	if len(msg.Question) > 0 {
		msg.Question[0].Name = qname
	}
	if len(records) > 0 {
		msg.Answer = append(append([]dns.RR(nil), records...), msg.Answer...)
	}
	if len(resp.Ns) > 0 {
		msg.Ns = append([]dns.RR(nil), resp.Ns...)
	}
}
