package cache

import (
	"strings"

	"github.com/miekg/dns"
)

// MaxTypoVariants bounds the expansion per observed NXDOMAIN.
const MaxTypoVariants = 8

// TypoVariants derives likely-typo neighbors of name by editing its leftmost
// label: single-character deletions, adjacent transpositions, and character
// doublings. Variants are deduplicated, never equal to the input, and capped
// at MaxTypoVariants. Names with no label or a one-character leftmost label
// yield deletions only when the result is still a valid hostname label.
func TypoVariants(name string) []string {
	canonical := dns.CanonicalName(name)
	labels := dns.SplitDomainName(canonical)
	if len(labels) == 0 {
		return nil
	}
	head := labels[0]
	rest := ""
	if len(labels) > 1 {
		rest = strings.Join(labels[1:], ".") + "."
	}

	seen := map[string]bool{head: true}
	var out []string
	add := func(label string) bool {
		if label == "" || seen[label] {
			return len(out) < MaxTypoVariants
		}
		seen[label] = true
		out = append(out, label+"."+rest)
		return len(out) < MaxTypoVariants
	}

	for i := 0; i < len(head); i++ {
		if !add(head[:i] + head[i+1:]) {
			return out
		}
	}
	for i := 0; i+1 < len(head); i++ {
		if head[i] == head[i+1] {
			continue
		}
		b := []byte(head)
		b[i], b[i+1] = b[i+1], b[i]
		if !add(string(b)) {
			return out
		}
	}
	for i := 0; i < len(head); i++ {
		if !add(head[:i+1] + string(head[i]) + head[i+1:]) {
			return out
		}
	}
	return out
}
