package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/nao1215/astrace/internal/aggregate"
	"github.com/nao1215/astrace/internal/ascache"
	"github.com/nao1215/astrace/internal/classify"
	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/reconcile"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds the coordinate fan-out of steps 1 and 2.
const DefaultWorkers = 16

// AddressCache resolves addresses to candidate ASes. ascache.Cache implements it.
type AddressCache interface {
	GetMany(ctx context.Context, addrs []netip.Addr) (map[netip.Addr][]model.ASInformation, error)
}

// PublicAddressSource returns the public address of the measuring host.
type PublicAddressSource interface {
	PublicAddress(ctx context.Context) (netip.Addr, error)
}

// Prefetcher loads relationships ahead of classification.
// classify.RelationshipCache implements it.
type Prefetcher interface {
	Prefetch(ctx context.Context, pairs []lookup.Pair) error
}

func workerLimit(n int) int {
	if n <= 0 {
		return DefaultWorkers
	}
	return n
}

// ResolveStep builds the raw path of every coordinate.
type ResolveStep struct {
	cache    AddressCache
	identity PublicAddressSource
	workers  int
	logger   *slog.Logger
}

// NewResolveStep creates Step 1. identity may be nil when measurements
// always carry their public address.
func NewResolveStep(cache AddressCache, identity PublicAddressSource, workers int, logger *slog.Logger) *ResolveStep {
	return &ResolveStep{cache: cache, identity: identity, workers: workerLimit(workers), logger: logger}
}

// ID implements Step.
func (s *ResolveStep) ID() StepID { return StepResolve }

// Do implements Step.
func (s *ResolveStep) Do(ctx context.Context, run *Run) error {
	m := run.Measurement
	res := run.Result

	if !res.PublicAddress.IsValid() && s.identity != nil {
		addr, err := s.identity.PublicAddress(ctx)
		switch {
		case err == nil:
			res.PublicAddress = addr
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.logger.Warn("public address unknown, source hop will be missing", "error", err)
		}
	}

	addrs := append(m.Addresses(), res.PublicAddress, res.DestinationAddress)
	mappings, err := s.cache.GetMany(ctx, addrs)
	var lerr *ascache.LookupFailedError
	switch {
	case err == nil:
	case errors.As(err, &lerr):
		for _, a := range lerr.Addresses {
			run.Failed[a] = struct{}{}
		}
		s.logger.Warn("IP to AS lookups failed",
			"destination", res.Destination,
			"addresses", len(lerr.Addresses),
			"error", lerr.Err,
		)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("failed to resolve addresses: %w", err)
	}
	run.Mappings = mappings
	run.Source = run.Mappings.Hop(res.PublicAddress)
	run.Destination = run.Mappings.Hop(res.DestinationAddress)

	coords := m.Coordinates()
	grid := model.NewPathGrid(len(m.Settings.Algorithms), m.Settings.FlowCount, m.Settings.AttemptsPerFlow)
	run.Diagnose(func(d *model.Diagnostics) { d.Coordinates = len(coords) })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, c := range coords {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := s.resolve(gctx, run, c)
			if err != nil {
				return err
			}
			grid[c.Algorithm][c.Flow][c.Attempt] = p
			return nil
		})
	}
	err = g.Wait()
	res.PathsStep1 = grid
	return err
}

// resolve builds the raw path of one coordinate. A coordinate with a failed
// lookup gives an empty path flagged Unresolvable.
func (s *ResolveStep) resolve(ctx context.Context, run *Run, c model.Coordinate) (*model.Path, error) {
	m := run.Measurement
	responses := m.Responses(c)[:m.LastReceived(c)+1]

	addrs := make([]netip.Addr, 0, len(responses))
	for _, r := range responses {
		if !r.Received() {
			continue
		}
		if _, failed := run.Failed[r.Address]; failed {
			return s.unresolvable(run, c, r.Address), nil
		}
		addrs = append(addrs, r.Address)
	}

	mappings, err := s.cache.GetMany(ctx, addrs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var lerr *ascache.LookupFailedError
		if errors.As(err, &lerr) && len(lerr.Addresses) > 0 {
			return s.unresolvable(run, c, lerr.Addresses[0]), nil
		}
		return nil, fmt.Errorf("failed to resolve coordinate %s: %w", c, err)
	}

	return aggregate.Raw(m, c, mappings, run.Source, run.Destination), nil
}

func (s *ResolveStep) unresolvable(run *Run, c model.Coordinate, addr netip.Addr) *model.Path {
	s.logger.Debug("coordinate unresolvable", "coordinate", c, "address", addr)
	run.Diagnose(func(d *model.Diagnostics) { d.UnresolvedCoordinates++ })
	p := model.NewPath(c, nil)
	p.Flags = model.FlagUnresolvable
	return p
}

// CollapseStep collapses the raw path of every coordinate.
type CollapseStep struct {
	collapser *aggregate.Collapser
	workers   int
	logger    *slog.Logger
}

// NewCollapseStep creates Step 2.
func NewCollapseStep(collapser *aggregate.Collapser, workers int, logger *slog.Logger) *CollapseStep {
	return &CollapseStep{collapser: collapser, workers: workerLimit(workers), logger: logger}
}

// ID implements Step.
func (s *CollapseStep) ID() StepID { return StepCollapse }

// Do implements Step.
func (s *CollapseStep) Do(ctx context.Context, run *Run) error {
	m := run.Measurement
	res := run.Result
	grid := model.NewPathGrid(len(m.Settings.Algorithms), m.Settings.FlowCount, m.Settings.AttemptsPerFlow)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, c := range m.Coordinates() {
		raw := res.PathsStep1[c.Algorithm][c.Flow][c.Attempt]
		if raw == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !raw.IsUsable() {
				grid[c.Algorithm][c.Flow][c.Attempt] = raw
				return nil
			}
			p, err := s.collapser.Collapse(raw)
			if errors.Is(err, aggregate.ErrUnanchoredPath) {
				s.logger.Debug("path has no anchor", "coordinate", c, "path", raw)
				run.Diagnose(func(d *model.Diagnostics) { d.UnanchoredPaths++ })
			}
			grid[c.Algorithm][c.Flow][c.Attempt] = p
			return nil
		})
	}
	err := g.Wait()
	res.PathsStep2 = grid
	return err
}

// ReconcileStep reconciles the attempts of every flow.
type ReconcileStep struct {
	minAttempts int
}

// NewReconcileStep creates Step 3.
func NewReconcileStep(minAttempts int) *ReconcileStep {
	return &ReconcileStep{minAttempts: minAttempts}
}

// ID implements Step.
func (s *ReconcileStep) ID() StepID { return StepReconcile }

// Do implements Step.
func (s *ReconcileStep) Do(_ context.Context, run *Run) error {
	step2 := run.Result.PathsStep2
	out := make([][]*model.Path, len(step2))
	for a, flows := range step2 {
		out[a] = make([]*model.Path, len(flows))
		for f, attempts := range flows {
			out[a][f] = reconcile.Attempts(attempts, s.minAttempts)
		}
	}
	run.Result.PathsStep3 = out
	return nil
}

// DeduplicateStep merges equal paths across flows and algorithms.
type DeduplicateStep struct{}

// NewDeduplicateStep creates Step 4.
func NewDeduplicateStep() *DeduplicateStep {
	return &DeduplicateStep{}
}

// ID implements Step.
func (s *DeduplicateStep) ID() StepID { return StepDeduplicate }

// Do implements Step.
func (s *DeduplicateStep) Do(_ context.Context, run *Run) error {
	var all []*model.Path
	for _, flows := range run.Result.PathsStep3 {
		all = append(all, flows...)
	}
	run.Result.PathsStep4 = reconcile.Deduplicate(all)
	return nil
}

// ClassifyStep attaches relationships and stats to the final paths.
type ClassifyStep struct {
	classifier *classify.Classifier
	prefetcher Prefetcher
	workers    int
	logger     *slog.Logger
}

// NewClassifyStep creates the classification step. prefetcher may be nil.
func NewClassifyStep(classifier *classify.Classifier, prefetcher Prefetcher, workers int, logger *slog.Logger) *ClassifyStep {
	return &ClassifyStep{classifier: classifier, prefetcher: prefetcher, workers: workerLimit(workers), logger: logger}
}

// ID implements Step.
func (s *ClassifyStep) ID() StepID { return StepClassify }

// Do implements Step.
func (s *ClassifyStep) Do(ctx context.Context, run *Run) error {
	paths := run.Result.PathsStep4

	if s.prefetcher != nil {
		if err := s.prefetcher.Prefetch(ctx, s.classifier.Pairs(paths)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("relationship prefetch failed, looking up pairs one by one", "error", err)
		}
	}

	classified := make([]*model.Path, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, p := range paths {
		g.Go(func() error {
			out, err := s.classifier.Classify(gctx, p)
			var lerr *classify.LookupError
			switch {
			case err == nil:
			case errors.As(err, &lerr):
				run.Diagnose(func(d *model.Diagnostics) { d.RelationshipFailures += lerr.Failures })
			default:
				return err
			}
			classified[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	run.Result.PathsStep4 = classified
	return nil
}
