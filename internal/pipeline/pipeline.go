package pipeline

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/nao1215/astrace/internal/aggregate"
	"github.com/nao1215/astrace/internal/measurement"
	"github.com/nao1215/astrace/internal/model"
)

// StepID identifies an engine state.
type StepID int

const (
	// StepInit is the state before any step ran.
	StepInit StepID = iota
	// StepResolve builds the raw paths.
	StepResolve
	// StepCollapse collapses the raw paths.
	StepCollapse
	// StepReconcile reconciles the attempts of each flow.
	StepReconcile
	// StepDeduplicate merges equal paths across flows.
	StepDeduplicate
	// StepClassify attaches relationships and stats.
	StepClassify
	// StepDone is the state after the last step.
	StepDone
)

var stepNames = map[StepID]string{
	StepInit:        "init",
	StepResolve:     "resolve",
	StepCollapse:    "collapse",
	StepReconcile:   "reconcile",
	StepDeduplicate: "deduplicate",
	StepClassify:    "classify",
	StepDone:        "done",
}

// String returns the step name.
func (s StepID) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown"
}

// Run is the state shared by the steps of one engine run.
type Run struct {
	Measurement *measurement.Measurement
	Result      *model.Result

	// Source and Destination frame every raw path.
	Source      model.Hop
	Destination model.Hop

	// Mappings holds the lookups of Step 1.
	Mappings aggregate.Mappings

	// Failed are the addresses whose lookups failed.
	Failed map[netip.Addr]struct{}

	mu sync.Mutex
}

// NewRun creates the state of a run.
func NewRun(m *measurement.Measurement, result *model.Result) *Run {
	return &Run{
		Measurement: m,
		Result:      result,
		Source:      model.MissingHop(),
		Destination: model.MissingHop(),
		Mappings:    aggregate.Mappings{},
		Failed:      make(map[netip.Addr]struct{}),
	}
}

// Diagnose updates the run diagnostics. Steps call it from concurrent workers.
func (r *Run) Diagnose(fn func(d *model.Diagnostics)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.Result.Diagnostics)
}

// Snapshot returns a shallow copy of the result that later steps will not modify.
func (r *Run) Snapshot() *model.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Result.Snapshot()
}

// Step is one stage of a Pipeline.
type Step interface {
	// Do executes the step. Per-coordinate failures are recorded in the run;
	// a returned error stops the pipeline.
	Do(ctx context.Context, run *Run) error

	// ID returns the state the step implements.
	ID() StepID
}

// Pipeline executes steps in order.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
	after  func(StepID, *Run)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithAfterStep registers fn to be called after every completed step.
func WithAfterStep(fn func(StepID, *Run)) Option {
	return func(p *Pipeline) {
		p.after = fn
	}
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		steps: make([]Step, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AddSteps appends steps to the pipeline.
func (p *Pipeline) AddSteps(steps ...Step) {
	p.steps = append(p.steps, steps...)
}

// StepIDs returns the steps in execution order.
func (p *Pipeline) StepIDs() []StepID {
	ids := make([]StepID, len(p.steps))
	for i, s := range p.steps {
		ids[i] = s.ID()
	}
	return ids
}

// Execute runs every step in order. The context is checked before each
// step; a done context stops the pipeline with its error.
func (p *Pipeline) Execute(ctx context.Context, run *Run) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("pipeline cancelled",
				"step", step.ID(),
				"destination", run.Result.Destination,
				"reason", err,
			)
			return err
		}

		p.logger.Debug("executing step",
			"step", step.ID(),
			"destination", run.Result.Destination,
		)
		if err := step.Do(ctx, run); err != nil {
			p.logger.Warn("step failed",
				"step", step.ID(),
				"destination", run.Result.Destination,
				"error", err,
			)
			return err
		}

		if p.after != nil {
			p.after(step.ID(), run)
		}
	}
	return nil
}
