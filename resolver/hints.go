package resolver

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/miekg/dns"
)

//go:generate go run github.com/nekoy3/neko-dns/cmd/genhints roothints.gen.go

// ParseHints reads a root hints file in the classic zone-file layout: one
// record per line, semicolon comments, blank lines ignored. Lines that do
// not parse as records are skipped rather than treated as fatal; only the
// A and AAAA glue matters here.
func ParseHints(r io.Reader) (v4, v6 []netip.Addr, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		rr, rrErr := dns.NewRR(line)
		if rrErr != nil || rr == nil {
			continue
		}
		switch a := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				v4 = append(v4, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(a.AAAA.To16()); ok {
				v6 = append(v6, addr)
			}
		}
	}
	return v4, v6, scanner.Err()
}

// LoadHints reads hints from path, falling back to the bundled IANA list
// when path is empty.
func LoadHints(path string) (v4, v6 []netip.Addr, err error) {
	if path == "" {
		return append([]netip.Addr(nil), Roots4...), append([]netip.Addr(nil), Roots6...), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ParseHints(f)
}
