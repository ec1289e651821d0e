package wire

import "github.com/miekg/dns"

// EDNS0 support: a single OPT pseudo-RR in the additional section with an
// advertised UDP payload size up to 4096 octets. Custom option codes from
// the private-use range are echoed back unchanged in the response OPT.

const (
	// MaxUDPPayload is the largest payload size we advertise or honor.
	MaxUDPPayload = 4096
	// DefaultUDPPayload is advertised on outbound queries.
	DefaultUDPPayload = 1232

	// RFC 6891 private-use option code range.
	PrivateOptionMin = 65001
	PrivateOptionMax = 65534
)

// SetEDNS appends an OPT record advertising our receive buffer. Used on
// every outbound query.
func SetEDNS(m *dns.Msg) {
	if m.IsEdns0() != nil {
		return
	}
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(DefaultUDPPayload)
	m.Extra = append(m.Extra, opt)
}

// ClientPayloadSize returns the usable UDP reply budget for a client query:
// the advertised EDNS0 size clamped to [512, MaxUDPPayload], or 512 when the
// query carries no OPT.
func ClientPayloadSize(query *dns.Msg) int {
	opt := query.IsEdns0()
	if opt == nil {
		return dns.MinMsgSize
	}
	size := int(opt.UDPSize())
	if size < dns.MinMsgSize {
		return dns.MinMsgSize
	}
	if size > MaxUDPPayload {
		return MaxUDPPayload
	}
	return size
}

// PrivateOptions extracts private-use EDNS0 options from the query OPT.
func PrivateOptions(query *dns.Msg) []*dns.EDNS0_LOCAL {
	opt := query.IsEdns0()
	if opt == nil {
		return nil
	}
	var out []*dns.EDNS0_LOCAL
	for _, o := range opt.Option {
		if local, ok := o.(*dns.EDNS0_LOCAL); ok {
			if local.Code >= PrivateOptionMin && local.Code <= PrivateOptionMax {
				out = append(out, local)
			}
		}
	}
	return out
}

// EchoPrivateOptions mirrors the query's private-use options into the
// response OPT, creating the OPT when the query negotiated EDNS0. A
// non-empty allow list limits the echo to those option codes; empty echoes
// every private-range option.
func EchoPrivateOptions(query, resp *dns.Msg, allowed []uint16) {
	if query.IsEdns0() == nil {
		return
	}
	opt := resp.IsEdns0()
	if opt == nil {
		opt = &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetUDPSize(uint16(ClientPayloadSize(query)))
		resp.Extra = append(resp.Extra, opt)
	}
	for _, local := range PrivateOptions(query) {
		if !optionAllowed(local.Code, allowed) {
			continue
		}
		opt.Option = append(opt.Option, &dns.EDNS0_LOCAL{Code: local.Code, Data: append([]byte(nil), local.Data...)})
	}
}

func optionAllowed(code uint16, allowed []uint16) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if c == code {
			return true
		}
	}
	return false
}
