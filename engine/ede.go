package engine

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"

	"github.com/nekoy3/neko-dns/resolver"
	"github.com/nekoy3/neko-dns/upstream"
	"github.com/nekoy3/neko-dns/wire"
)

// extendedErrorCode maps a resolution failure to an RFC 8914 Extended DNS
// Error code so SERVFAIL replies say why. Unknown errors map to Other.
func extendedErrorCode(err error) uint16 {
	switch {
	case err == nil:
		return dns.ExtendedErrorCodeOther
	case errors.Is(err, errChaosInjected):
		return dns.ExtendedErrorCodeProhibited
	case errors.Is(err, resolver.ErrDepthExceeded),
		errors.Is(err, resolver.ErrChaseTooDeep):
		return dns.ExtendedErrorCodeNoReachableAuthority
	case errors.Is(err, resolver.ErrLoopDetected):
		return dns.ExtendedErrorCodeInvalidData
	case errors.Is(err, resolver.ErrNoServers),
		errors.Is(err, resolver.ErrNoResponse),
		errors.Is(err, upstream.ErrAllFailed):
		return dns.ExtendedErrorCodeNoReachableAuthority
	case errors.Is(err, upstream.ErrNoUpstreams):
		return dns.ExtendedErrorCodeNotReady
	case errors.Is(err, context.DeadlineExceeded):
		return dns.ExtendedErrorCodeNoReachableAuthority
	case errors.Is(err, wire.ErrTruncated),
		errors.Is(err, wire.ErrMalformedName):
		return dns.ExtendedErrorCodeInvalidData
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return dns.ExtendedErrorCodeNoReachableAuthority
		}
		return dns.ExtendedErrorCodeNetworkError
	}
	return dns.ExtendedErrorCodeOther
}

// addExtendedError attaches an EDE option to the reply's OPT, creating the
// OPT when the client negotiated EDNS0.
func addExtendedError(req, reply *dns.Msg, code uint16, text string) {
	if req.IsEdns0() == nil {
		return
	}
	opt := reply.IsEdns0()
	if opt == nil {
		opt = &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetUDPSize(uint16(wire.ClientPayloadSize(req)))
		reply.Extra = append(reply.Extra, opt)
	}
	opt.Option = append(opt.Option, &dns.EDNS0_EDE{InfoCode: code, ExtraText: text})
}
