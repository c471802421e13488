package lookup

import (
	"net/netip"
	"strings"
	"time"

	"github.com/nao1215/astrace/internal/model"
)

// ipToASMapping is one entry of an IP->AS answer.
//
//nolint:tagliatelle // field names follow the service wire format
type ipToASMapping struct {
	IP                 string `json:"ip"`
	Timestamp          string `json:"timeStamp"`
	AS                 int    `json:"as"`
	ASName             string `json:"asName"`
	RangeLow           int64  `json:"rangeLow"`
	RangeHigh          int64  `json:"rangeHigh"`
	NumIPs             int64  `json:"numIps"`
	Prefix             string `json:"prefix"`
	IXPParticipant     int    `json:"ixpParticipant"`
	IXPParticipantName string `json:"ixpParticipantName"`
	Type               string `json:"type"`
}

// info converts the wire mapping into an ASInformation. Unknown kinds are
// treated as plain ASes.
func (m ipToASMapping) info() model.ASInformation {
	kind, err := model.ParseKind(m.Type)
	if err != nil {
		kind = model.KindAS
	}
	return model.ASInformation{
		Number:    m.AS,
		Name:      m.ASName,
		RangeLow:  clampUint32(m.RangeLow),
		RangeHigh: clampUint32(m.RangeHigh),
		IXPName:   m.IXPParticipantName,
		Timestamp: parseTimestamp(m.Timestamp),
		Kind:      kind,
	}
}

func clampUint32(v int64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > int64(^uint32(0)):
		return ^uint32(0)
	default:
		return uint32(v)
	}
}

// localInformation is the answer of the myInfo operation.
//
//nolint:tagliatelle // field names follow the service wire format
type localInformation struct {
	IP        string `json:"ip"`
	AS        int    `json:"as"`
	ASName    string `json:"asName"`
	Timestamp string `json:"timeStamp"`
}

// LocalInformation describes the public identity of the measuring host.
type LocalInformation struct {
	Address   netip.Addr
	ASNumber  int
	ASName    string
	Timestamp time.Time
}

// Info returns the AS identity of the host.
func (l LocalInformation) Info() model.ASInformation {
	return model.ASInformation{
		Number:    l.ASNumber,
		Name:      l.ASName,
		Timestamp: l.Timestamp,
		Kind:      model.KindAS,
	}
}

// relationship is the answer of the relationship operations.
//
//nolint:tagliatelle // field names follow the service wire format
type relationship struct {
	Code model.RelationshipCode `json:"relationship"`
	AS0  int                    `json:"as0"`
	AS1  int                    `json:"as1"`
}

// Pair is an ordered pair of AS numbers.
type Pair struct {
	AS0 int
	AS1 int
}

// GeoMapping is the location of an address.
//
//nolint:tagliatelle // field names follow the service wire format
type GeoMapping struct {
	Address     netip.Addr `json:"ip"`
	CountryCode string     `json:"countryCode"`
	CountryName string     `json:"countryName"`
	City        string     `json:"city"`
}

// TracerouteHop is one uploaded AS hop. Ambiguous hops are uploaded as one
// entry per candidate, all with the same Hop index and IsInferred set.
//
//nolint:tagliatelle // field names follow the service wire format
type TracerouteHop struct {
	Hop        int        `json:"hop"`
	AS         int        `json:"as"`
	ASName     string     `json:"asName"`
	IXPName    string     `json:"ixpName"`
	Type       model.Kind `json:"type"`
	IsInferred bool       `json:"isInferred"`
}

// TracerouteRelationship is one uploaded relationship.
//
//nolint:tagliatelle // field names follow the service wire format
type TracerouteRelationship struct {
	Relationship model.RelationshipType `json:"relationship"`
	AS0          int                    `json:"as0"`
	AS1          int                    `json:"as1"`
	Hop          int                    `json:"hop"`
}

// TracerouteStats are the uploaded path statistics.
//
//nolint:tagliatelle // field names follow the service wire format
type TracerouteStats struct {
	ASHops    int    `json:"asHops"`
	C2PRels   int    `json:"c2pRels"`
	P2PRels   int    `json:"p2pRels"`
	P2CRels   int    `json:"p2cRels"`
	S2SRels   int    `json:"s2sRels"`
	IXPRels   int    `json:"ixpRels"`
	NFRels    int    `json:"nfRels"`
	Completed bool   `json:"completed"`
	Flags     uint32 `json:"flags"`
}

// Traceroute is one uploaded AS-level path.
//
//nolint:tagliatelle // field names follow the service wire format
type Traceroute struct {
	SourceAS           int    `json:"srcAS"`
	SourceASName       string `json:"srcASName"`
	SourceIP           string `json:"srcIp"`
	SourcePublicIP     string `json:"srcPublicIp"`
	SourceCity         string `json:"srcCity"`
	SourceCountry      string `json:"srcCountry"`
	DestinationAS      int    `json:"dstAS"`
	DestinationASName  string `json:"dstASName"`
	DestinationIP      string `json:"dstIp"`
	Destination        string `json:"dst"`
	DestinationCity    string `json:"dstCity"`
	DestinationCountry string `json:"dstCountry"`
	Timestamp          string `json:"timeStamp"`

	AttemptIDs    []string                 `json:"tracerouteIpAttemptIds"`
	Hops          []TracerouteHop          `json:"tracerouteASHops"`
	Relationships []TracerouteRelationship `json:"tracerouteASRelationships"`
	Stats         TracerouteStats          `json:"tracerouteASStats"`
}

// TracerouteSettings are the packet engine settings registered with the platform.
// Durations are in milliseconds.
//
//nolint:tagliatelle // field names follow the service wire format
type TracerouteSettings struct {
	ID              string `json:"id"`
	AttemptsPerFlow int    `json:"attemptsPerFlow"`
	FlowCount       int    `json:"flowCount"`
	MinHops         int    `json:"minHops"`
	MaxHops         int    `json:"maxHops"`
	AttemptDelay    int    `json:"attemptDelay"`
	HopTimeout      int    `json:"hopTimeout"`
	MinPort         int    `json:"minPort"`
	MaxPort         int    `json:"maxPort"`
	DataLength      int    `json:"dataLength"`
}

// timestampFormats are the layouts the service has been seen to use.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"2006-01-02",
}

// parseTimestamp parses a service timestamp. Unparseable values give the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
