package pipeline

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nao1215/astrace/internal/measurement"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/resultcache"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds the destinations aggregated at once.
const DefaultBatchConcurrency = 8

// DestinationResolver resolves destination names. destination.Resolver implements it.
type DestinationResolver interface {
	Resolve(ctx context.Context, name string) ([]netip.Addr, error)
}

// Outcome is the result of one measurement of a batch. Measurement is a
// copy carrying the resolved destination address when the batch resolved it.
type Outcome struct {
	Index       int
	Measurement *measurement.Measurement
	Result      *model.Result
	Err         error
}

// BatchProcessor aggregates many measurements concurrently. Each measurement
// gets a fresh engine from the factory, so no address cache outlives a run.
type BatchProcessor struct {
	engineFactory func() *Engine
	concurrency   int
	logger        *slog.Logger
	results       *resultcache.Cache
	resolver      DestinationResolver
	progress      func(index int, step StepID, result *model.Result)
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithBatchLogger sets the logger.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchProcessor) {
		b.logger = logger
	}
}

// WithConcurrency sets the maximum number of concurrent runs.
func WithConcurrency(n int) BatchOption {
	return func(b *BatchProcessor) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithResultCache reuses completed results of the same destination address.
func WithResultCache(c *resultcache.Cache) BatchOption {
	return func(b *BatchProcessor) {
		b.results = c
	}
}

// WithDestinationResolver resolves the destination of measurements that
// carry no destination address.
func WithDestinationResolver(r DestinationResolver) BatchOption {
	return func(b *BatchProcessor) {
		b.resolver = r
	}
}

// WithBatchProgress forwards the step snapshots of every run.
func WithBatchProgress(fn func(index int, step StepID, result *model.Result)) BatchOption {
	return func(b *BatchProcessor) {
		b.progress = fn
	}
}

// NewBatchProcessor creates a BatchProcessor.
func NewBatchProcessor(engineFactory func() *Engine, opts ...BatchOption) *BatchProcessor {
	bp := &BatchProcessor{
		engineFactory: engineFactory,
		concurrency:   DefaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(bp)
	}
	if bp.logger == nil {
		bp.logger = slog.Default()
	}
	return bp
}

// ProcessBatch aggregates every measurement and returns the outcomes in
// input order. The error is the context error when the batch was cancelled
// before every run started.
func (bp *BatchProcessor) ProcessBatch(ctx context.Context, ms []*measurement.Measurement) ([]Outcome, error) {
	outcomes := make([]Outcome, len(ms))
	for i, m := range ms {
		outcomes[i] = Outcome{Index: i, Measurement: m}
	}
	err := bp.ProcessBatchWithCallback(ctx, ms, func(o Outcome) {
		outcomes[o.Index] = o
	})
	return outcomes, err
}

// ProcessBatchWithCallback aggregates every measurement and calls callback
// with each outcome as soon as it is ready. callback is called from
// concurrent goroutines.
func (bp *BatchProcessor) ProcessBatchWithCallback(ctx context.Context, ms []*measurement.Measurement, callback func(Outcome)) error {
	bp.logger.Info("starting batch",
		"measurements", len(ms),
		"concurrency", bp.concurrency,
	)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bp.concurrency)
	for i, m := range ms {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			callback(bp.process(ctx, i, m))
			return nil
		})
	}
	err := g.Wait()

	bp.logger.Info("batch finished",
		"measurements", len(ms),
		"elapsed", time.Since(start),
	)
	return err
}

// process runs one measurement, or reuses a cached result of its destination.
func (bp *BatchProcessor) process(ctx context.Context, i int, m *measurement.Measurement) Outcome {
	out := Outcome{Index: i, Measurement: m}
	if m == nil {
		_, out.Err = bp.engineFactory().Run(ctx, m, nil)
		return out
	}

	if !m.DestinationAddress.IsValid() && bp.resolver != nil {
		addrs, err := bp.resolver.Resolve(ctx, m.Destination)
		switch {
		case err != nil:
			bp.logger.Warn("failed to resolve destination", "destination", m.Destination, "error", err)
		case len(addrs) > 0:
			// The caller's measurement is left as it was loaded.
			resolved := *m
			resolved.DestinationAddress = addrs[0]
			m = &resolved
			out.Measurement = m
		}
	}

	if r, ok := bp.results.Get(m.DestinationAddress); ok {
		bp.logger.Debug("reusing result", "destination", m.Destination, "address", m.DestinationAddress)
		out.Result = r
		return out
	}

	var progress ProgressFunc
	if bp.progress != nil {
		progress = func(step StepID, r *model.Result) { bp.progress(i, step, r) }
	}
	out.Result, out.Err = bp.engineFactory().Run(ctx, m, progress)
	if out.Err != nil {
		bp.logger.Warn("aggregation failed", "destination", m.Destination, "error", out.Err)
		return out
	}
	bp.results.Set(out.Result)
	return out
}
