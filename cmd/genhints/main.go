// Command genhints regenerates the bundled root hints from the IANA
// named.root file. Output goes to the file named in the first argument, or
// stdout.
package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

const hintsURL = "https://www.internic.net/domain/named.root"

type hint struct {
	owner string
	addr  netip.Addr
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	resp, err := http.Get(hintsURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var v4, v6 []hint
	zp := dns.NewZoneParser(bytes.NewReader(body), "", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		switch rr := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A); ok {
				v4 = append(v4, hint{owner: strings.ToLower(rr.Hdr.Name), addr: ip.Unmap()})
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
				v6 = append(v6, hint{owner: strings.ToLower(rr.Hdr.Name), addr: ip})
			}
		}
	}
	if err := zp.Err(); err != nil {
		return err
	}
	sort.Slice(v4, func(i, j int) bool { return v4[i].owner < v4[j].owner })
	sort.Slice(v6, func(i, j int) bool { return v6[i].owner < v6[j].owner })

	out := io.Writer(os.Stdout)
	if len(os.Args) > 1 {
		f, err := os.Create(os.Args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return write(out, v4, v6)
}

func write(w io.Writer, v4, v6 []hint) error {
	var b strings.Builder
	b.WriteString("// Code generated by cmd/genhints; DO NOT EDIT.\n\n")
	b.WriteString("package resolver\n\nimport \"net/netip\"\n\n")
	section := func(comment, name string, hints []hint) {
		b.WriteString(comment)
		fmt.Fprintf(&b, "var %s = []netip.Addr{\n", name)
		width := 0
		for _, h := range hints {
			if n := len(h.addr.String()); n > width {
				width = n
			}
		}
		for _, h := range hints {
			quoted := fmt.Sprintf("netip.MustParseAddr(%q),", h.addr.String())
			fmt.Fprintf(&b, "\t%-*s // %s\n", width+24, quoted, h.owner)
		}
		b.WriteString("}\n")
	}
	section("// Roots4 are the IPv4 addresses of the IANA root servers.\n", "Roots4", v4)
	b.WriteString("\n")
	section("// Roots6 are the IPv6 addresses of the IANA root servers.\n", "Roots6", v6)
	_, err := io.WriteString(w, b.String())
	return err
}
