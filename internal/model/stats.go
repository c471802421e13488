package model

// Stats summarizes a classified path.
type Stats struct {
	ASHops int `json:"as_hops"`

	C2P int `json:"c2p"`
	P2P int `json:"p2p"`
	P2C int `json:"p2c"`
	S2S int `json:"s2s"`
	IXP int `json:"ixp"`
	NF  int `json:"nf"`

	// Completed is false when the path lost its source or destination, had
	// no anchor, or its attempts disagreed.
	Completed bool `json:"completed"`

	Flags Flags `json:"flags"`
}

// incompleteFlags are the path flags that make a path incomplete.
const incompleteFlags = FlagMissingSource | FlagMissingDestination | FlagUnanchored | FlagFlowDistinctAttempts

// ComputeStats derives the stats of a path from its hops, relationships and flags.
func ComputeStats(p *Path) Stats {
	s := Stats{
		ASHops:    len(p.Hops),
		Completed: !p.Flags.HasAny(incompleteFlags),
		Flags:     p.Flags,
	}
	for _, r := range p.Relationships {
		switch r.Type {
		case RelationshipC2P:
			s.C2P++
		case RelationshipP2P:
			s.P2P++
		case RelationshipP2C:
			s.P2C++
		case RelationshipS2S:
			s.S2S++
		case RelationshipIXP:
			s.IXP++
		case RelationshipNF:
			s.NF++
		}
	}
	return s
}

// Count returns the number of relationships of type t.
func (s Stats) Count(t RelationshipType) int {
	switch t {
	case RelationshipC2P:
		return s.C2P
	case RelationshipP2P:
		return s.P2P
	case RelationshipP2C:
		return s.P2C
	case RelationshipS2S:
		return s.S2S
	case RelationshipIXP:
		return s.IXP
	case RelationshipNF:
		return s.NF
	default:
		return 0
	}
}

// Relationships returns the total number of relationships.
func (s Stats) Relationships() int {
	return s.C2P + s.P2P + s.P2C + s.S2S + s.IXP + s.NF
}
