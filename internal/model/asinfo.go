package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownKind is returned when a kind string has no mapping.
var ErrUnknownKind = errors.New("unknown AS kind")

// Kind distinguishes autonomous systems from Internet exchange points.
type Kind int

const (
	// KindAS is a regular autonomous system.
	KindAS Kind = iota
	// KindIXP is an Internet exchange point. IXPs are treated as AS-like
	// identities for topology purposes.
	KindIXP
)

// kindNames maps every Kind to its wire name.
var kindNames = map[Kind]string{
	KindAS:  "AS",
	KindIXP: "IXP",
}

// kindValues is the reverse of kindNames.
var kindValues = map[string]Kind{
	"AS":  KindAS,
	"IXP": KindIXP,
}

// Kinds returns every defined Kind.
func Kinds() []Kind {
	return []Kind{KindAS, KindIXP}
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseKind converts a wire name into a Kind. Matching is case-insensitive
// and an empty string maps to KindAS.
func ParseKind(s string) (Kind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return KindAS, nil
	}
	if k, ok := kindValues[s]; ok {
		return k, nil
	}
	return KindAS, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ASInformation is one AS (or IXP) identity together with the address range
// metadata returned by the IP->AS lookup. Values are never modified after
// they are built from a lookup response.
//
// Two values are the same AS when their Number fields match. Name, range and
// timestamp are descriptive only.
type ASInformation struct {
	// Number is the AS number. Values <= 0 are the "unknown AS" sentinel.
	Number int `json:"as_number"`

	// Name is the registered AS name.
	Name string `json:"as_name,omitempty"`

	// RangeLow and RangeHigh bound the IPv4 prefix the address matched.
	RangeLow  uint32 `json:"range_low,omitempty"`
	RangeHigh uint32 `json:"range_high,omitempty"`

	// IXPName is set when the address belongs to an IXP participant.
	IXPName string `json:"ixp_name,omitempty"`

	// Timestamp is when the mapping was recorded by the lookup service.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Kind tells whether this identity is an AS or an IXP.
	Kind Kind `json:"kind"`
}

// Equal reports whether a and b identify the same AS.
func (a ASInformation) Equal(b ASInformation) bool {
	return a.Number == b.Number
}

// IsKnown reports whether the AS number is a real one rather than the sentinel.
func (a ASInformation) IsKnown() bool {
	return a.Number > 0
}

// IsIXP reports whether the identity is an Internet exchange point.
func (a ASInformation) IsIXP() bool {
	return a.Kind == KindIXP
}

// String returns "AS<number>".
func (a ASInformation) String() string {
	return fmt.Sprintf("AS%d", a.Number)
}
