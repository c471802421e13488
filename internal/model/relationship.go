package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownRelationshipType is returned when a relationship name has no mapping.
	ErrUnknownRelationshipType = errors.New("unknown relationship type")

	// ErrUnknownRelationshipCode is returned when the lookup service answers
	// with a numeric relationship code that has no mapping.
	ErrUnknownRelationshipCode = errors.New("unknown relationship code")
)

// RelationshipType is the business relationship between two adjacent ASes,
// seen from the first AS of the pair.
type RelationshipType int

const (
	// RelationshipC2P means the first AS is a customer of the second.
	RelationshipC2P RelationshipType = iota
	// RelationshipP2P means both ASes peer.
	RelationshipP2P
	// RelationshipP2C means the first AS is a provider of the second.
	RelationshipP2C
	// RelationshipS2S means both ASes belong to the same organization.
	RelationshipS2S
	// RelationshipIXP means the second hop is an Internet exchange point.
	RelationshipIXP
	// RelationshipNF means no relationship could be found.
	RelationshipNF
)

var relationshipNames = map[RelationshipType]string{
	RelationshipC2P: "C2P",
	RelationshipP2P: "P2P",
	RelationshipP2C: "P2C",
	RelationshipS2S: "S2S",
	RelationshipIXP: "IXP",
	RelationshipNF:  "NF",
}

var relationshipValues = map[string]RelationshipType{
	"C2P": RelationshipC2P,
	"P2P": RelationshipP2P,
	"P2C": RelationshipP2C,
	"S2S": RelationshipS2S,
	"IXP": RelationshipIXP,
	"NF":  RelationshipNF,
}

// RelationshipTypes returns every relationship type in display order.
func RelationshipTypes() []RelationshipType {
	return []RelationshipType{
		RelationshipC2P,
		RelationshipP2P,
		RelationshipP2C,
		RelationshipS2S,
		RelationshipIXP,
		RelationshipNF,
	}
}

// String returns the wire name of the relationship type.
func (r RelationshipType) String() string {
	if name, ok := relationshipNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseRelationshipType converts a wire name into a RelationshipType.
func ParseRelationshipType(s string) (RelationshipType, error) {
	if r, ok := relationshipValues[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return r, nil
	}
	return RelationshipNF, fmt.Errorf("%w: %q", ErrUnknownRelationshipType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (r RelationshipType) MarshalText() ([]byte, error) {
	name, ok := relationshipNames[r]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRelationshipType, int(r))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RelationshipType) UnmarshalText(text []byte) error {
	parsed, err := ParseRelationshipType(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RelationshipCode is the numeric relationship value used by the lookup service.
type RelationshipCode int

// Relationship codes as answered by the lookup service.
const (
	CodeCustomer RelationshipCode = -1
	CodePeer     RelationshipCode = 0
	CodeProvider RelationshipCode = 1
	CodeSibling  RelationshipCode = 3
	CodeNotFound RelationshipCode = 10
)

var relationshipCodeTypes = map[RelationshipCode]RelationshipType{
	CodeCustomer: RelationshipC2P,
	CodePeer:     RelationshipP2P,
	CodeProvider: RelationshipP2C,
	CodeSibling:  RelationshipS2S,
	CodeNotFound: RelationshipNF,
}

// RelationshipCodes returns every known relationship code.
func RelationshipCodes() []RelationshipCode {
	return []RelationshipCode{CodeCustomer, CodePeer, CodeProvider, CodeSibling, CodeNotFound}
}

// Type maps the code to its relationship type.
func (c RelationshipCode) Type() (RelationshipType, error) {
	if t, ok := relationshipCodeTypes[c]; ok {
		return t, nil
	}
	return RelationshipNF, fmt.Errorf("%w: %d", ErrUnknownRelationshipCode, int(c))
}

// RelationshipEdge is the relationship between the ASes of two hops.
type RelationshipEdge struct {
	// Hop is the index of the first hop of the pair within the path.
	Hop int `json:"hop"`

	AS0  int              `json:"as0"`
	AS1  int              `json:"as1"`
	Type RelationshipType `json:"type"`

	// Inferred is set when the pair spans a missing hop.
	Inferred bool `json:"inferred,omitempty"`
}

// String returns e.g. "AS100 -C2P-> AS200".
func (e RelationshipEdge) String() string {
	return fmt.Sprintf("AS%d -%s-> AS%d", e.AS0, e.Type, e.AS1)
}
