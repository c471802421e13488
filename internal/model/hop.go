package model

import (
	"fmt"
	"net/netip"
	"strings"
)

// Hop is one AS-level hop. It holds the candidate AS identities an address
// (or a merged group of addresses) mapped to. Everything else about the hop,
// including its flags and resolved AS number, is derived from the candidates.
//
// A hop with no known candidate is a missing hop, a hop with exactly one known
// candidate is resolved, and a hop with two or more is ambiguous.
type Hop struct {
	// Candidates holds the AS identities this hop may belong to.
	// Sentinel entries (Number <= 0) never coexist with known ones.
	Candidates []ASInformation `json:"candidates,omitempty"`

	// Address is the IP address the hop was first observed at, when known.
	// It is informational and never takes part in equality.
	Address netip.Addr `json:"address,omitzero"`
}

// NewHop builds a hop from lookup results. Candidates are deduplicated by AS
// number in first-seen order. Sentinel entries are dropped when at least one
// known candidate is present; otherwise a single sentinel is kept so the hop
// still records that the lookup answered "unknown".
func NewHop(candidates ...ASInformation) Hop {
	known := make([]ASInformation, 0, len(candidates))
	seen := make(map[int]struct{}, len(candidates))
	var sentinel *ASInformation

	for i := range candidates {
		c := candidates[i]
		if !c.IsKnown() {
			if sentinel == nil {
				sentinel = &c
			}
			continue
		}
		if _, ok := seen[c.Number]; ok {
			continue
		}
		seen[c.Number] = struct{}{}
		known = append(known, c)
	}

	switch {
	case len(known) > 0:
		return Hop{Candidates: known}
	case sentinel != nil:
		return Hop{Candidates: []ASInformation{*sentinel}}
	default:
		return Hop{}
	}
}

// MissingHop returns a hop without candidates.
func MissingHop() Hop {
	return Hop{}
}

// WithAddress returns a copy of h observed at addr.
func (h Hop) WithAddress(addr netip.Addr) Hop {
	h.Address = addr
	return h
}

// known returns the candidates with a real AS number.
func (h Hop) known() []ASInformation {
	out := make([]ASInformation, 0, len(h.Candidates))
	for _, c := range h.Candidates {
		if c.IsKnown() {
			out = append(out, c)
		}
	}
	return out
}

// Flags returns the hop-level flags.
func (h Hop) Flags() Flags {
	switch len(h.known()) {
	case 0:
		return FlagMissingAS
	case 1:
		return FlagNone
	default:
		return FlagMultipleAS
	}
}

// IsSuccessful reports whether the hop resolved to exactly one AS.
func (h Hop) IsSuccessful() bool {
	return h.Flags() == FlagNone
}

// IsMissing reports whether the hop has no known candidate.
func (h Hop) IsMissing() bool {
	return h.Flags() == FlagMissingAS
}

// IsMultiple reports whether the hop has two or more known candidates.
func (h Hop) IsMultiple() bool {
	return h.Flags() == FlagMultipleAS
}

// ASNumber returns the resolved AS number. The second result is false when
// the hop is missing or ambiguous.
func (h Hop) ASNumber() (int, bool) {
	k := h.known()
	if len(k) != 1 {
		return 0, false
	}
	return k[0].Number, true
}

// Info returns the resolved candidate.
func (h Hop) Info() (ASInformation, bool) {
	k := h.known()
	if len(k) != 1 {
		return ASInformation{}, false
	}
	return k[0], true
}

// Numbers returns the known candidate AS numbers in candidate order.
func (h Hop) Numbers() []int {
	k := h.known()
	out := make([]int, len(k))
	for i, c := range k {
		out[i] = c.Number
	}
	return out
}

// Contains reports whether asn is one of the known candidates.
func (h Hop) Contains(asn int) bool {
	if asn <= 0 {
		return false
	}
	for _, c := range h.Candidates {
		if c.Number == asn {
			return true
		}
	}
	return false
}

// Candidate returns the candidate with the given AS number.
func (h Hop) Candidate(asn int) (ASInformation, bool) {
	for _, c := range h.Candidates {
		if c.Number == asn && c.IsKnown() {
			return c, true
		}
	}
	return ASInformation{}, false
}

// HasIXP reports whether any candidate is an IXP.
func (h Hop) HasIXP() bool {
	for _, c := range h.Candidates {
		if c.IsIXP() {
			return true
		}
	}
	return false
}

// IsIXP reports whether the hop resolved to an IXP.
func (h Hop) IsIXP() bool {
	info, ok := h.Info()
	return ok && info.IsIXP()
}

// Equal reports whether two hops are the same AS-level hop: both resolved to
// the same AS, or both unresolved. Candidate contents are ignored.
func (h Hop) Equal(o Hop) bool {
	if h.IsSuccessful() != o.IsSuccessful() {
		return false
	}
	a, _ := h.ASNumber()
	b, _ := o.ASNumber()
	return a == b
}

// Clone returns a copy of h that shares no memory with it.
func (h Hop) Clone() Hop {
	if h.Candidates != nil {
		h.Candidates = append([]ASInformation(nil), h.Candidates...)
	}
	return h
}

// String returns "AS<number>" for resolved hops and "AS?" otherwise.
func (h Hop) String() string {
	if asn, ok := h.ASNumber(); ok {
		return fmt.Sprintf("AS%d", asn)
	}
	return "AS?"
}

// Detail returns the hop with all of its candidates, e.g. "[AS1 AS2]".
func (h Hop) Detail() string {
	k := h.known()
	if len(k) == 0 {
		return "[]"
	}
	parts := make([]string, len(k))
	for i, c := range k {
		parts[i] = c.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
