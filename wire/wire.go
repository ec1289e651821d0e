// Package wire is the DNS message codec surface for neko-dns. It wraps
// github.com/miekg/dns pack/unpack with the error taxonomy the query engine
// dispatches on, validates names on inbound client queries, and carries the
// TCP framing and EDNS0 helpers used by the transports.
package wire

import (
	"errors"
	"strings"

	"github.com/miekg/dns"
)

// Failure kinds surfaced to the query engine. Decode failures on inbound
// client queries become FORMERR replies; malformed server responses are
// discarded by the caller.
var (
	ErrTruncated        = errors.New("wire: message truncated")
	ErrMalformedName    = errors.New("wire: malformed name")
	ErrLabelTooLong     = errors.New("wire: label exceeds 63 octets")
	ErrNameTooLong      = errors.New("wire: name exceeds 255 octets")
	ErrBadOpcode        = errors.New("wire: unsupported opcode")
	ErrUnsupportedClass = errors.New("wire: unsupported class")
)

const (
	maxLabelLen = 63
	// Wire-format limit is 255 octets; the presentation form of a FQDN
	// (trailing dot, no length octets) may be up to 254 characters.
	maxNameLen = 254
)

// Decode unpacks a raw DNS message and classifies failures. Compression
// pointer abuse (loops, forward jumps, hop floods) is rejected by the
// underlying unpacker and reported as ErrMalformedName.
func Decode(buf []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, classifyUnpack(err)
	}
	return msg, nil
}

// DecodeQuery is Decode plus the validation applied to inbound client
// queries: exactly one question, a sane opcode, class IN, and a name within
// the RFC 1035 limits.
func DecodeQuery(buf []byte) (*dns.Msg, error) {
	msg, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if msg.Opcode != dns.OpcodeQuery {
		return msg, ErrBadOpcode
	}
	if len(msg.Question) != 1 {
		return msg, ErrMalformedName
	}
	q := msg.Question[0]
	if q.Qclass != dns.ClassINET {
		return msg, ErrUnsupportedClass
	}
	if err := ValidateName(q.Name); err != nil {
		return msg, err
	}
	return msg, nil
}

// Encode packs a message with opportunistic name compression. Correctness
// does not depend on compression being applied; Pack falls back to the
// uncompressed form when a suffix is not in the table.
func Encode(msg *dns.Msg) ([]byte, error) {
	msg.Compress = true
	return msg.Pack()
}

// ValidateName checks the presentation-form label and name length limits.
func ValidateName(name string) error {
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}
	for _, label := range dns.SplitDomainName(name) {
		if len(label) > maxLabelLen {
			return ErrLabelTooLong
		}
		if len(label) == 0 {
			return ErrMalformedName
		}
	}
	return nil
}

func classifyUnpack(err error) error {
	switch {
	case errors.Is(err, dns.ErrBuf), errors.Is(err, dns.ErrShortRead):
		return ErrTruncated
	case errors.Is(err, dns.ErrLongDomain):
		return ErrNameTooLong
	}
	text := err.Error()
	switch {
	case strings.Contains(text, "overflow"):
		return ErrTruncated
	case strings.Contains(text, "label"):
		return ErrLabelTooLong
	default:
		// Compression loops, bad pointers, bad rdata and friends.
		return ErrMalformedName
	}
}
