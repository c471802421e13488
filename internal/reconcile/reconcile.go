// Package reconcile merges the attempts of a flow into one path and removes
// duplicate paths across flows.
package reconcile

import "github.com/nao1215/astrace/internal/model"

// DefaultMinAttempts is the number of usable attempts a flow needs before it
// is trusted.
const DefaultMinAttempts = 2

// variant is one distinct hop sequence and the attempts that produced it.
type variant struct {
	path  *model.Path
	count int
}

// Attempts reconciles the collapsed attempts of one flow.
//
// Only usable attempts take part. When they all have the same hop sequence
// the result is that sequence. Otherwise the result is the most frequent
// sequence, the earliest attempt winning ties, flagged FlowDistinctAttempts.
// Flags of every usable attempt are merged into the result, and
// FlowNotEnoughAttempts is set when fewer than minAttempts were usable.
// It returns nil when no attempt is usable.
func Attempts(paths []*model.Path, minAttempts int) *model.Path {
	var (
		variants []*variant
		index    = make(map[string]*variant)
		flags    model.Flags
		usable   int
	)
	for _, p := range paths {
		if p == nil || !p.IsUsable() {
			continue
		}
		usable++
		flags |= p.Flags

		key := p.Fingerprint()
		if v, ok := index[key]; ok {
			v.count++
			continue
		}
		v := &variant{path: p, count: 1}
		index[key] = v
		variants = append(variants, v)
	}
	if usable == 0 {
		return nil
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if v.count > best.count {
			best = v
		}
	}

	out := best.path.Clone()
	out.Flags = flags
	out.Variants = len(variants)
	if len(variants) > 1 {
		out.Flags |= model.FlagFlowDistinctAttempts
	}
	if usable < minAttempts {
		out.Flags |= model.FlagFlowNotEnoughAttempts
	}
	return out
}

// Deduplicate returns the distinct paths in first-seen order. Two paths are
// duplicates when their hop sequences are equal; the flags of a duplicate
// are merged into the path that is kept. Nil paths are skipped.
func Deduplicate(paths []*model.Path) []*model.Path {
	out := make([]*model.Path, 0, len(paths))
	index := make(map[string]*model.Path, len(paths))
	for _, p := range paths {
		if p == nil {
			continue
		}
		key := p.Fingerprint()
		if kept, ok := index[key]; ok {
			kept.Flags |= p.Flags
			kept.Variants = max(kept.Variants, p.Variants)
			continue
		}
		kept := p.Clone()
		index[key] = kept
		out = append(out, kept)
	}
	return out
}
