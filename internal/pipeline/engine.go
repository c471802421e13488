package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/astrace/internal/aggregate"
	"github.com/nao1215/astrace/internal/classify"
	"github.com/nao1215/astrace/internal/measurement"
	"github.com/nao1215/astrace/internal/metrics"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/reconcile"
)

// ErrInvalidEngineConfig is returned by Config.Validate.
var ErrInvalidEngineConfig = errors.New("invalid engine configuration")

// Config tunes an Engine.
type Config struct {
	// Workers bounds the coordinate fan-out of steps 1 and 2.
	Workers int

	// MinAttempts is the number of usable attempts a flow needs to be trusted.
	MinAttempts int

	// MaxMissingRun is the longest tolerated run of unresolved TTLs.
	MaxMissingRun int

	// InferAcrossGaps enables relationships across a single missing hop.
	InferAcrossGaps bool
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers,
		MinAttempts:     reconcile.DefaultMinAttempts,
		MaxMissingRun:   aggregate.DefaultMaxMissingRun,
		InferAcrossGaps: true,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidEngineConfig, c.Workers)
	case c.MinAttempts < 1:
		return fmt.Errorf("%w: min attempts must be positive, got %d", ErrInvalidEngineConfig, c.MinAttempts)
	case c.MaxMissingRun < 1:
		return fmt.Errorf("%w: max missing run must be positive, got %d", ErrInvalidEngineConfig, c.MaxMissingRun)
	}
	return nil
}

// ProgressFunc receives a snapshot of the result after every step.
type ProgressFunc func(step StepID, result *model.Result)

// Engine aggregates one measurement at a time.
type Engine struct {
	cfg           Config
	cache         AddressCache
	relationships classify.Relationships
	identity      PublicAddressSource
	prefetcher    Prefetcher
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithConfig sets the engine settings.
func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithIdentity sets the source of the public address used when a
// measurement does not carry one.
func WithIdentity(identity PublicAddressSource) EngineOption {
	return func(e *Engine) {
		e.identity = identity
	}
}

// WithPrefetcher sets the relationship prefetcher. By default the
// relationship source is used when it can prefetch.
func WithPrefetcher(p Prefetcher) EngineOption {
	return func(e *Engine) {
		e.prefetcher = p
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics records run outcomes in m.
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine. cache must be private to the engine's runs;
// relationships may be shared.
func NewEngine(cache AddressCache, relationships classify.Relationships, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:           DefaultConfig(),
		cache:         cache,
		relationships: relationships,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prefetcher == nil {
		if p, ok := relationships.(Prefetcher); ok {
			e.prefetcher = p
		}
	}
	return e
}

// pipeline assembles the steps of a run.
func (e *Engine) pipeline(after func(StepID, *Run)) *Pipeline {
	collapser := &aggregate.Collapser{MaxMissingRun: e.cfg.MaxMissingRun}
	classifier := classify.New(e.relationships,
		classify.WithInferAcrossGaps(e.cfg.InferAcrossGaps),
		classify.WithLogger(e.logger),
	)

	p := New(WithLogger(e.logger), WithAfterStep(after))
	p.AddSteps(
		NewResolveStep(e.cache, e.identity, e.cfg.Workers, e.logger),
		NewCollapseStep(collapser, e.cfg.Workers, e.logger),
		NewReconcileStep(e.cfg.MinAttempts),
		NewDeduplicateStep(),
		NewClassifyStep(classifier, e.prefetcher, e.cfg.Workers, e.logger),
	)
	return p
}

// update is one progress notification.
type update struct {
	step   StepID
	result *model.Result
}

// Run aggregates m. Invalid measurements and settings fail before any
// lookup. Failures of single coordinates are recorded in the result
// diagnostics. A cancelled context returns the partial result with status
// Cancelled and no error. Any other step error returns the partial result
// with status Failed together with the error.
//
// progress, when not nil, is called from a separate goroutine with a
// snapshot after every step; Run returns after the last call.
func (e *Engine) Run(ctx context.Context, m *measurement.Measurement, progress ProgressFunc) (*model.Result, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: no measurement", measurement.ErrInvalidMeasurement)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	result := model.NewResult(uuid.NewString(), m.Destination)
	result.DestinationAddress = m.DestinationAddress
	result.SourceAddress = m.SourceAddress
	result.PublicAddress = m.PublicAddress
	run := NewRun(m, result)

	// One slot per notification, so sending never blocks.
	updates := make(chan update, int(StepDone)+1)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for u := range updates {
			if progress != nil {
				progress(u.step, u.result)
			}
		}
	}()
	notify := func(id StepID, r *Run) {
		updates <- update{step: id, result: r.Snapshot()}
	}

	notify(StepInit, run)
	err := e.pipeline(notify).Execute(ctx, run)

	result.FinishedAt = time.Now()
	switch {
	case err == nil:
		result.Status = model.StatusCompleted
	case ctx.Err() != nil:
		result.Status = model.StatusCancelled
		err = nil
	default:
		result.Status = model.StatusFailed
		err = fmt.Errorf("failed to aggregate %s: %w", m.Destination, err)
	}
	notify(StepDone, run)
	close(updates)
	<-delivered

	e.metrics.ObserveResult(result)
	e.metrics.ObserveDuration(result.Status, result.Duration())

	e.logger.Info("aggregation finished",
		"destination", result.Destination,
		"status", result.Status,
		"paths", len(result.PathsStep4),
		"duration", result.Duration(),
	)
	return result, err
}
