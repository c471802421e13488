package model

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrUnknownStatus is returned when a status name has no mapping.
var ErrUnknownStatus = errors.New("unknown run status")

// Status is the lifecycle state of an engine run.
type Status int

const (
	// StatusRunning means the run has not finished yet.
	StatusRunning Status = iota
	// StatusCompleted means every step ran.
	StatusCompleted
	// StatusCancelled means the context was cancelled and the result is partial.
	StatusCancelled
	// StatusFailed means a step failed and the result is partial.
	StatusFailed
)

var statusNames = map[Status]string{
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusCancelled: "cancelled",
	StatusFailed:    "failed",
}

// Statuses returns every defined Status.
func Statuses() []Status {
	return []Status{StatusRunning, StatusCompleted, StatusCancelled, StatusFailed}
}

// String returns the status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus converts a status name into a Status.
func ParseStatus(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusRunning, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Diagnostics counts the failures contained during a run.
type Diagnostics struct {
	// Coordinates is the number of (algorithm, flow, attempt) coordinates processed.
	Coordinates int `json:"coordinates"`

	// UnresolvedCoordinates counts coordinates whose IP->AS lookups failed.
	UnresolvedCoordinates int `json:"unresolved_coordinates"`

	// UnanchoredPaths counts paths without any resolved hop.
	UnanchoredPaths int `json:"unanchored_paths"`

	// RelationshipFailures counts relationship lookups that fell back to NF.
	RelationshipFailures int `json:"relationship_failures"`

	// FailedUploads counts upload requests rejected by the lookup service.
	FailedUploads int `json:"failed_uploads"`
}

// HasFailures reports whether any failure was recorded.
func (d Diagnostics) HasFailures() bool {
	return d.UnresolvedCoordinates > 0 || d.UnanchoredPaths > 0 ||
		d.RelationshipFailures > 0 || d.FailedUploads > 0
}

// Result is the output of one engine run over one measurement.
type Result struct {
	// ID identifies the run.
	ID string `json:"id"`

	// Destination is the measured destination as given by the user.
	Destination string `json:"destination"`

	DestinationAddress netip.Addr `json:"destination_address,omitzero"`
	SourceAddress      netip.Addr `json:"source_address,omitzero"`
	PublicAddress      netip.Addr `json:"public_address,omitzero"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Status Status `json:"status"`

	// Cached is set when the result was reused instead of computed.
	Cached bool `json:"cached,omitempty"`

	// PathsStep1 and PathsStep2 are indexed [algorithm][flow][attempt].
	PathsStep1 [][][]*Path `json:"paths_step1,omitempty"`
	PathsStep2 [][][]*Path `json:"paths_step2,omitempty"`

	// PathsStep3 is indexed [algorithm][flow]. Flows without any usable
	// attempt hold nil.
	PathsStep3 [][]*Path `json:"paths_step3,omitempty"`

	// PathsStep4 is the final deduplicated and classified path set.
	PathsStep4 []*Path `json:"paths_step4,omitempty"`

	Diagnostics Diagnostics `json:"diagnostics"`
}

// NewResult creates a running result.
func NewResult(id, destination string) *Result {
	return &Result{
		ID:          id,
		Destination: destination,
		StartedAt:   time.Now(),
		Status:      StatusRunning,
	}
}

// Paths returns the final path set.
func (r *Result) Paths() []*Path {
	return r.PathsStep4
}

// Duration returns how long the run took.
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Snapshot returns a shallow copy of the result. Path arrays are shared, so
// callers must treat them as read-only; every step publishes new arrays rather
// than writing into previous ones.
func (r *Result) Snapshot() *Result {
	c := *r
	return &c
}

// NewPathGrid allocates an [algorithms][flows][attempts] grid of nil paths.
func NewPathGrid(algorithms, flows, attempts int) [][][]*Path {
	grid := make([][][]*Path, algorithms)
	for a := range grid {
		grid[a] = make([][]*Path, flows)
		for f := range grid[a] {
			grid[a][f] = make([]*Path, attempts)
		}
	}
	return grid
}
