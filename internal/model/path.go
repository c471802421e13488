package model

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Coordinate identifies one measurement attempt.
type Coordinate struct {
	Algorithm int `json:"algorithm"`
	Flow      int `json:"flow"`
	Attempt   int `json:"attempt"`
}

// String returns "alg/flow/attempt".
func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Algorithm, c.Flow, c.Attempt)
}

// Path is an ordered sequence of AS-level hops for one coordinate.
//
// A path is created per coordinate from raw lookups, replaced by a shorter
// collapsed path, then read-only until classification, which works on a copy.
type Path struct {
	Coordinate Coordinate `json:"coordinate"`

	// Hops are ordered from the source towards the destination.
	Hops []Hop `json:"hops"`

	// Relationships and Stats are set by classification.
	Relationships []RelationshipEdge `json:"relationships,omitempty"`
	Stats         *Stats             `json:"stats,omitempty"`

	// Flags accumulates hop, attempt, flow and run level annotations.
	Flags Flags `json:"flags"`

	// Variants is the number of distinct hop sequences observed across the
	// attempts of the flow this path was reconciled from.
	Variants int `json:"variants,omitempty"`
}

// NewPath creates a path for a coordinate.
func NewPath(c Coordinate, hops []Hop) *Path {
	return &Path{Coordinate: c, Hops: hops}
}

// SourceAS returns the AS of the first hop.
func (p *Path) SourceAS() (int, bool) {
	if len(p.Hops) == 0 {
		return 0, false
	}
	return p.Hops[0].ASNumber()
}

// DestinationAS returns the AS of the last hop.
func (p *Path) DestinationAS() (int, bool) {
	if len(p.Hops) == 0 {
		return 0, false
	}
	return p.Hops[len(p.Hops)-1].ASNumber()
}

// IsSuccessful reports whether the path flags stay below the failure range.
func (p *Path) IsSuccessful() bool {
	return p.Flags.IsSuccessful()
}

// IsUsable reports whether the path took part in aggregation, that is, its
// lookups succeeded and it had an anchor hop.
func (p *Path) IsUsable() bool {
	return !p.Flags.HasAny(FlagUnanchored | FlagUnresolvable)
}

// Equal reports whether both paths have the same hop sequence.
func (p *Path) Equal(o *Path) bool {
	if p == nil || o == nil {
		return p == o
	}
	if len(p.Hops) != len(o.Hops) {
		return false
	}
	for i := range p.Hops {
		if !p.Hops[i].Equal(o.Hops[i]) {
			return false
		}
	}
	return true
}

// ASPath returns the printable hop sequence, e.g. ["AS100", "AS?", "AS300"].
func (p *Path) ASPath() []string {
	out := make([]string, len(p.Hops))
	for i, h := range p.Hops {
		out[i] = h.String()
	}
	return out
}

// String returns the hop sequence separated by spaces.
func (p *Path) String() string {
	return strings.Join(p.ASPath(), " ")
}

// Fingerprint returns a hex blake2b-256 digest of the hop sequence.
// Two paths have the same fingerprint exactly when Equal reports true.
func (p *Path) Fingerprint() string {
	sum := blake2b.Sum256([]byte(strings.Join(p.ASPath(), ",")))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of p.
func (p *Path) Clone() *Path {
	if p == nil {
		return nil
	}
	c := *p
	if p.Hops != nil {
		c.Hops = make([]Hop, len(p.Hops))
		for i, h := range p.Hops {
			c.Hops[i] = h.Clone()
		}
	}
	if p.Relationships != nil {
		c.Relationships = append([]RelationshipEdge(nil), p.Relationships...)
	}
	if p.Stats != nil {
		s := *p.Stats
		c.Stats = &s
	}
	return &c
}
