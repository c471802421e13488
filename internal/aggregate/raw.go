package aggregate

import (
	"net/netip"

	"github.com/nao1215/astrace/internal/measurement"
	"github.com/nao1215/astrace/internal/model"
)

// Mappings are the candidate ASes of each looked up address.
type Mappings map[netip.Addr][]model.ASInformation

// Hop builds the hop of addr. Invalid or unknown addresses give a missing hop.
func (m Mappings) Hop(addr netip.Addr) model.Hop {
	if !addr.IsValid() {
		return model.MissingHop()
	}
	candidates, ok := m[addr]
	if !ok {
		return model.MissingHop().WithAddress(addr)
	}
	return model.NewHop(candidates...).WithAddress(addr)
}

// Raw builds the uncollapsed path of one coordinate: the source hop, one hop
// per TTL from the first TTL up to the last one that got a reply, and the
// destination hop. TTLs without a reply give missing hops.
func Raw(m *measurement.Measurement, c model.Coordinate, mappings Mappings, source, destination model.Hop) *model.Path {
	responses := m.Responses(c)
	last := m.LastReceived(c)

	hops := make([]model.Hop, 0, last+3)
	hops = append(hops, source)
	for _, r := range responses[:last+1] {
		if !r.Received() {
			hops = append(hops, model.MissingHop())
			continue
		}
		hops = append(hops, mappings.Hop(r.Address))
	}
	hops = append(hops, destination)

	return model.NewPath(c, hops)
}
