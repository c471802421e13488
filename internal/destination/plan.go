package destination

import (
	"net/netip"

	"github.com/nao1215/astrace/internal/model"
)

// UniqueByAS keeps the first address of every destination AS. Addresses
// whose AS is unknown or ambiguous are always kept.
func UniqueByAS(addrs []netip.Addr, mappings map[netip.Addr][]model.ASInformation) []netip.Addr {
	seen := make(map[int]struct{}, len(addrs))
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		asn, ok := model.NewHop(mappings[a]...).ASNumber()
		if !ok {
			out = append(out, a)
			continue
		}
		if _, dup := seen[asn]; dup {
			continue
		}
		seen[asn] = struct{}{}
		out = append(out, a)
	}
	return out
}
