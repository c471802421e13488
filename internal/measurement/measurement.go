// Package measurement reads IP-level multipath traceroute measurements.
//
// A measurement is produced by an external packet engine and stored as JSON.
// Its data array is indexed [algorithm][flow][attempt][ttl offset], where the
// TTL of offset i is Settings.MinHops + i.
package measurement

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nao1215/astrace/internal/model"
)

// ErrInvalidMeasurement is returned when a measurement cannot be aggregated.
var ErrInvalidMeasurement = errors.New("invalid measurement")

// Algorithm is the probing algorithm used by the packet engine.
type Algorithm int

const (
	// AlgorithmICMP probes with ICMP echo requests.
	AlgorithmICMP Algorithm = iota
	// AlgorithmUDPIdentification keeps the flow by the IP identification field.
	AlgorithmUDPIdentification
	// AlgorithmUDPChecksum keeps the flow by the UDP checksum.
	AlgorithmUDPChecksum
	// AlgorithmUDPBoth combines identification and checksum.
	AlgorithmUDPBoth
)

var algorithmNames = map[Algorithm]string{
	AlgorithmICMP:              "icmp",
	AlgorithmUDPIdentification: "udp-identification",
	AlgorithmUDPChecksum:       "udp-checksum",
	AlgorithmUDPBoth:           "udp-both",
}

// Algorithms returns every algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmICMP, AlgorithmUDPIdentification, AlgorithmUDPChecksum, AlgorithmUDPBoth}
}

// String returns the algorithm name.
func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	name, ok := algorithmNames[a]
	if !ok {
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrInvalidMeasurement, int(a))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for alg, n := range algorithmNames {
		if n == name {
			*a = alg
			return nil
		}
	}
	return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidMeasurement, name)
}

// State is the outcome of one probe.
type State int

const (
	// StateNone means no reply was received for the probe.
	StateNone State = iota
	// StateReceived means a router or the destination replied.
	StateReceived
)

// String returns the state name.
func (s State) String() string {
	if s == StateReceived {
		return "received"
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "received":
		*s = StateReceived
	case "none", "":
		*s = StateNone
	default:
		return fmt.Errorf("%w: unknown response state %q", ErrInvalidMeasurement, text)
	}
	return nil
}

// Response is the reply to one probe.
type Response struct {
	State   State      `json:"state"`
	Address netip.Addr `json:"address,omitzero"`
	// RTT is the round trip time in milliseconds.
	RTT float64 `json:"rtt,omitempty"`
}

// Received reports whether the probe got a reply from a valid address.
func (r Response) Received() bool {
	return r.State == StateReceived && r.Address.IsValid()
}

// Settings are the packet engine parameters the measurement was taken with.
// Durations are in milliseconds.
//
//nolint:tagliatelle // field names follow the measurement file format
type Settings struct {
	Algorithms      []Algorithm `json:"algorithms" validate:"required,min=1,dive,algorithm"`
	FlowCount       int         `json:"flowCount" validate:"required,gt=0"`
	AttemptsPerFlow int         `json:"attemptsPerFlow" validate:"required,gt=0"`
	MinHops         int         `json:"minHops" validate:"gt=0,lte=255"`
	MaxHops         int         `json:"maxHops" validate:"gtefield=MinHops,lte=255"`
	AttemptDelay    int         `json:"attemptDelay" validate:"gte=0"`
	HopTimeout      int         `json:"hopTimeout" validate:"gte=0"`
	MinPort         int         `json:"minPort" validate:"gte=0,lte=65535"`
	MaxPort         int         `json:"maxPort" validate:"gtefield=MinPort,lte=65535"`
	DataLength      int         `json:"dataLength" validate:"gte=0"`
}

// Measurement is one multipath traceroute towards a destination.
//
//nolint:tagliatelle // field names follow the measurement file format
type Measurement struct {
	// Destination is the name or address the user asked to measure.
	Destination string `json:"destination" validate:"required"`

	DestinationAddress netip.Addr `json:"destinationAddress,omitzero"`
	SourceAddress      netip.Addr `json:"sourceAddress,omitzero"`

	// PublicAddress is the public address of the measuring host. When it is
	// missing the engine asks the lookup service for it.
	PublicAddress netip.Addr `json:"publicAddress,omitzero"`

	Settings Settings `json:"settings"`

	Data [][][][]Response `json:"data"`
}

var measurementValidate *validator.Validate

func init() {
	measurementValidate = validator.New()
	_ = measurementValidate.RegisterValidation("algorithm", validateAlgorithm)
}

// validateAlgorithm checks that an Algorithm value has a name.
func validateAlgorithm(fl validator.FieldLevel) bool {
	_, ok := algorithmNames[Algorithm(fl.Field().Int())]
	return ok
}

// Load reads and validates a measurement file.
func Load(path string) (*Measurement, error) {
	f, err := os.Open(path) //nolint:gosec // path is provided by the user
	if err != nil {
		return nil, fmt.Errorf("failed to open measurement: %w", err)
	}
	defer f.Close()

	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Decode reads and validates a measurement from r.
func Decode(r io.Reader) (*Measurement, error) {
	var m Measurement
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		if errors.Is(err, ErrInvalidMeasurement) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidMeasurement, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the settings and the data dimensions.
func (m *Measurement) Validate() error {
	if err := measurementValidate.Struct(m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMeasurement, err)
	}

	s := m.Settings
	if len(m.Data) != len(s.Algorithms) {
		return fmt.Errorf("%w: data has %d algorithms, settings list %d",
			ErrInvalidMeasurement, len(m.Data), len(s.Algorithms))
	}
	maxTTLs := s.MaxHops - s.MinHops + 1
	for a, flows := range m.Data {
		if len(flows) != s.FlowCount {
			return fmt.Errorf("%w: algorithm %d has %d flows, expected %d",
				ErrInvalidMeasurement, a, len(flows), s.FlowCount)
		}
		for f, attempts := range flows {
			if len(attempts) != s.AttemptsPerFlow {
				return fmt.Errorf("%w: flow %d/%d has %d attempts, expected %d",
					ErrInvalidMeasurement, a, f, len(attempts), s.AttemptsPerFlow)
			}
			for at, responses := range attempts {
				if len(responses) > maxTTLs {
					return fmt.Errorf("%w: attempt %d/%d/%d has %d responses, at most %d allowed",
						ErrInvalidMeasurement, a, f, at, len(responses), maxTTLs)
				}
			}
		}
	}
	return nil
}

// Coordinates returns every (algorithm, flow, attempt) coordinate in order.
func (m *Measurement) Coordinates() []model.Coordinate {
	s := m.Settings
	out := make([]model.Coordinate, 0, len(s.Algorithms)*s.FlowCount*s.AttemptsPerFlow)
	for a := range s.Algorithms {
		for f := 0; f < s.FlowCount; f++ {
			for at := 0; at < s.AttemptsPerFlow; at++ {
				out = append(out, model.Coordinate{Algorithm: a, Flow: f, Attempt: at})
			}
		}
	}
	return out
}

// Responses returns the responses of a coordinate, indexed by TTL offset.
func (m *Measurement) Responses(c model.Coordinate) []Response {
	return m.Data[c.Algorithm][c.Flow][c.Attempt]
}

// TTL returns the TTL of a response offset.
func (m *Measurement) TTL(offset int) int {
	return m.Settings.MinHops + offset
}

// LastReceived returns the offset of the last received response of a
// coordinate, or -1 when nothing was received.
func (m *Measurement) LastReceived(c model.Coordinate) int {
	responses := m.Responses(c)
	for i := len(responses) - 1; i >= 0; i-- {
		if responses[i].Received() {
			return i
		}
	}
	return -1
}

// Addresses returns every distinct received address in first-seen order,
// followed by the destination and public addresses when set.
func (m *Measurement) Addresses() []netip.Addr {
	seen := make(map[netip.Addr]struct{})
	out := make([]netip.Addr, 0)
	add := func(a netip.Addr) {
		if !a.IsValid() {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}

	for _, flows := range m.Data {
		for _, attempts := range flows {
			for _, responses := range attempts {
				for _, r := range responses {
					if r.Received() {
						add(r.Address)
					}
				}
			}
		}
	}
	add(m.DestinationAddress)
	add(m.PublicAddress)
	return out
}
