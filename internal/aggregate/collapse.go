package aggregate

import (
	"slices"

	"github.com/nao1215/astrace/internal/model"
)

// DefaultMaxMissingRun is the longest run of unresolved TTLs tolerated
// before a path is flagged TooManyMissingHops.
const DefaultMaxMissingRun = 3

// Collapser merges raw per-TTL hops into AS-level hops.
// The zero value uses DefaultMaxMissingRun.
type Collapser struct {
	// MaxMissingRun is the longest tolerated run of missing raw hops.
	MaxMissingRun int
}

// NewCollapser returns a Collapser with default settings.
func NewCollapser() *Collapser {
	return &Collapser{MaxMissingRun: DefaultMaxMissingRun}
}

func (c *Collapser) maxMissingRun() int {
	if c == nil || c.MaxMissingRun <= 0 {
		return DefaultMaxMissingRun
	}
	return c.MaxMissingRun
}

// Collapse returns the collapsed form of raw. raw is not modified.
//
// The first resolved hop is the anchor. Hops are merged outward from it,
// first towards the source and then towards the destination. A merge can
// narrow a group so that it now merges with a group closed before it, so
// the scan repeats until no group merges. When no hop resolves, the returned
// path is a copy of raw flagged Unanchored and the error is ErrUnanchoredPath.
//
// Collapsing an already collapsed path returns an equal path with the same flags.
func (c *Collapser) Collapse(raw *model.Path) (*model.Path, error) {
	if !slices.ContainsFunc(raw.Hops, model.Hop.IsSuccessful) {
		out := raw.Clone()
		out.Flags |= model.FlagUnanchored
		return out, ErrUnanchoredPath
	}

	s := &scan{maxMissingRun: c.maxMissingRun()}
	hops := raw.Hops
	for {
		next := s.pass(hops)
		// Every group of a pass holds at least one hop, so an unchanged
		// length means nothing merged.
		done := len(next) == len(hops)
		hops = next
		if done {
			break
		}
	}

	out := raw.Clone()
	out.Hops = hops
	out.Relationships = nil
	out.Stats = nil
	out.Flags |= s.flags | edgeFlags(hops)
	return out, nil
}

// scan holds the state shared by every pass and both scan directions.
type scan struct {
	maxMissingRun int
	flags         model.Flags
}

// pass merges in once, outward from its anchor. in must hold a resolved hop.
func (s *scan) pass(in []model.Hop) []model.Hop {
	for _, h := range in {
		s.flags |= h.Flags()
	}
	anchor := slices.IndexFunc(in, model.Hop.IsSuccessful)

	// Towards the source. The anchor group comes back first.
	before := slices.Clone(in[:anchor])
	slices.Reverse(before)
	back := s.run(in[anchor].Clone(), before)

	// Towards the destination, continuing the anchor group.
	forward := s.run(back[0], in[anchor+1:])

	hops := make([]model.Hop, 0, len(back)-1+len(forward))
	for i := len(back) - 1; i > 0; i-- {
		hops = append(hops, back[i])
	}
	return append(hops, forward...)
}

// run merges the hops of seq, in order, into groups starting from cur.
// The first returned hop is the group cur grew into.
func (s *scan) run(cur model.Hop, seq []model.Hop) []model.Hop {
	var out []model.Hop
	for i := 0; i < len(seq); {
		next := seq[i]

		if merged, flag, ok := merge(cur, next); ok {
			cur = merged
			s.flags |= flag
			i++
			continue
		}

		if next.IsMissing() {
			end := i
			for end < len(seq) && seq[end].IsMissing() {
				end++
			}
			if end-i > s.maxMissingRun {
				s.flags |= model.FlagTooManyMissingHops
			}
			if end < len(seq) {
				if merged, flag, ok := bridge(cur, seq[end]); ok {
					cur = merged
					s.flags |= flag | model.FlagMissingHopInsideAS
					i = end + 1
					continue
				}
			}
			out = append(out, cur)
			cur = model.MissingHop().WithAddress(next.Address)
			s.flags |= model.FlagMissingHopEdgeAS
			i = end
			continue
		}

		if cur.IsMultiple() && next.IsMultiple() {
			s.flags |= model.FlagMultipleDifferentNeighborPair
		}
		if cur.IsMissing() {
			s.flags |= model.FlagMissingHopEdgeAS
		}
		out = append(out, cur)
		cur = next.Clone()
		i++
	}
	return append(out, cur)
}

// merge reports whether next belongs to the same AS-level hop as cur and
// returns the merged hop with the flag the merge sets. Missing hops never
// merge. The merged hop keeps the address of cur when it has one.
func merge(cur, next model.Hop) (model.Hop, model.Flags, bool) {
	if cur.IsMissing() || next.IsMissing() {
		return model.Hop{}, model.FlagNone, false
	}

	curAS, curUnique := cur.ASNumber()
	nextAS, nextUnique := next.ASNumber()
	switch {
	case curUnique && nextUnique:
		if curAS != nextAS {
			return model.Hop{}, model.FlagNone, false
		}
		return keepAddress(cur, cur, next), model.FlagNone, true

	case curUnique:
		if !next.Contains(curAS) {
			return model.Hop{}, model.FlagNone, false
		}
		return keepAddress(cur, cur, next), model.FlagMultipleASEqualNeighbor, true

	case nextUnique:
		if !cur.Contains(nextAS) {
			return model.Hop{}, model.FlagNone, false
		}
		return keepAddress(next.Clone(), cur, next), model.FlagMultipleASEqualNeighbor, true
	}

	common := shared(cur, next)
	if len(common) <= 1 {
		return model.Hop{}, model.FlagNone, false
	}

	flag := model.FlagMultipleEqualNeighborPair
	if len(common) < len(cur.Numbers()) || len(common) < len(next.Numbers()) {
		flag = model.FlagMultipleASDifferentNeighbor
	}
	return keepAddress(model.NewHop(common...), cur, next), flag, true
}

// bridge reports whether the hops on both sides of a missing run belong to
// the same AS-level hop. They do when they share at least one known AS; the
// joined hop keeps the shared candidates.
func bridge(cur, next model.Hop) (model.Hop, model.Flags, bool) {
	if merged, flag, ok := merge(cur, next); ok {
		return merged, flag, true
	}
	common := shared(cur, next)
	if len(common) == 0 {
		return model.Hop{}, model.FlagNone, false
	}
	return keepAddress(model.NewHop(common...), cur, next), model.FlagNone, true
}

// shared returns the known candidates of cur that next also holds, in the
// candidate order of cur.
func shared(cur, next model.Hop) []model.ASInformation {
	numbers := cur.Numbers()
	out := make([]model.ASInformation, 0, len(numbers))
	for _, n := range numbers {
		if !next.Contains(n) {
			continue
		}
		if info, ok := cur.Candidate(n); ok {
			out = append(out, info)
		}
	}
	return out
}

// keepAddress sets the address of merged to the first valid one of cur and next.
func keepAddress(merged, cur, next model.Hop) model.Hop {
	if cur.Address.IsValid() {
		return merged.WithAddress(cur.Address)
	}
	return merged.WithAddress(next.Address)
}

// edgeFlags computes the flags that depend on the collapsed hops as a whole.
func edgeFlags(hops []model.Hop) model.Flags {
	var f model.Flags
	if len(hops) == 0 {
		return f
	}
	if hops[0].IsMissing() {
		f |= model.FlagMissingSource
	}
	if hops[len(hops)-1].IsMissing() {
		f |= model.FlagMissingDestination
	}

	for i, h := range hops {
		if h.IsMultiple() && h.HasIXP() {
			f |= model.FlagMultipleASDifferentNeighborIXP
		}
		asn, ok := h.ASNumber()
		if !ok {
			continue
		}
		for j := i + 2; j < len(hops); j++ {
			if other, ok := hops[j].ASNumber(); ok && other == asn {
				f |= model.FlagLoopPath
			}
		}
	}
	return f
}
