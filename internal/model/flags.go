package model

import (
	"fmt"
	"strings"
)

// Flags is a bitset of measurement-quality annotations attached to hops and
// paths. Values below FlagMultipleASDifferentNeighbor describe conditions the
// aggregation could resolve; values at or above it mark a path as unsuccessful.
type Flags uint32

// Flag values. The numeric layout is shared with the measurement platform.
const (
	FlagNone Flags = 0

	// Hop level.
	FlagMissingAS  Flags = 0x1
	FlagMultipleAS Flags = 0x2

	// Attempt level.
	FlagMultipleASEqualNeighbor        Flags = 0x4     // [AS0] - [AS0 AS1] - [AS?]
	FlagMultipleEqualNeighborPair      Flags = 0x8     // [AS0] - [AS0 AS?] - [AS0 AS?] - [AS?]
	FlagMissingHopInsideAS             Flags = 0x10    // [AS0] - [] - [AS0]
	FlagMissingHopEdgeAS               Flags = 0x400   // [AS0] - [] - [AS1]
	FlagMultipleASDifferentNeighborIXP Flags = 0x1000  // [AS0] - [AS1 AS2]<IXP> - [AS3]
	FlagMultipleASDifferentNeighbor    Flags = 0x10000 // [AS0] - [AS1 AS2] - [AS3]
	FlagMultipleDifferentNeighborPair  Flags = 0x20000 // [AS?] - [AS? AS?] - [AS? AS?] - [AS?]
	FlagTooManyMissingHops             Flags = 0x40000
	FlagMissingSource                  Flags = 0x80000
	FlagMissingDestination             Flags = 0x100000
	FlagLoopPath                       Flags = 0x200000

	// Flow level.
	FlagFlowNotEnoughAttempts Flags = 0x400000
	FlagFlowDistinctAttempts  Flags = 0x800000

	// Run level.
	FlagUnanchored   Flags = 0x1000000 // no resolved hop to start aggregation from
	FlagUnresolvable Flags = 0x2000000 // IP->AS lookups for the coordinate failed
)

// flagNames lists every flag in ascending bit order.
var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagMissingAS, "MissingAs"},
	{FlagMultipleAS, "MultipleAs"},
	{FlagMultipleASEqualNeighbor, "MultipleAsEqualNeighbor"},
	{FlagMultipleEqualNeighborPair, "MultipleEqualNeighborPair"},
	{FlagMissingHopInsideAS, "MissingHopInsideAs"},
	{FlagMissingHopEdgeAS, "MissingHopEdgeAs"},
	{FlagMultipleASDifferentNeighborIXP, "MultipleAsDifferentNeighborIXP"},
	{FlagMultipleASDifferentNeighbor, "MultipleAsDifferentNeighbor"},
	{FlagMultipleDifferentNeighborPair, "MultipleDifferentNeighborPair"},
	{FlagTooManyMissingHops, "TooManyMissingHops"},
	{FlagMissingSource, "MissingSource"},
	{FlagMissingDestination, "MissingDestination"},
	{FlagLoopPath, "LoopPath"},
	{FlagFlowNotEnoughAttempts, "FlowNotEnoughAttempts"},
	{FlagFlowDistinctAttempts, "FlowDistinctAttempts"},
	{FlagUnanchored, "Unanchored"},
	{FlagUnresolvable, "Unresolvable"},
}

// Has reports whether every bit of flag is set in f.
func (f Flags) Has(flag Flags) bool {
	return flag != 0 && f&flag == flag
}

// HasAny reports whether any bit of mask is set in f.
func (f Flags) HasAny(mask Flags) bool {
	return f&mask != 0
}

// IsSuccessful reports whether the flags describe a usable path.
func (f Flags) IsSuccessful() bool {
	return f < FlagMultipleASDifferentNeighbor
}

// Hex returns the flags as eight upper-case hex digits, e.g. "00000410".
func (f Flags) Hex() string {
	return fmt.Sprintf("%08X", uint32(f))
}

// Names returns the names of all set flags in ascending bit order.
// Unknown bits are reported as a hex literal.
func (f Flags) Names() []string {
	names := make([]string, 0)
	rest := f
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%X", uint32(rest)))
	}
	return names
}

// String returns the set flag names joined by "|", or "None".
func (f Flags) String() string {
	if f == FlagNone {
		return "None"
	}
	return strings.Join(f.Names(), "|")
}
