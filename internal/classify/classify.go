// Package classify annotates collapsed AS paths with inter-AS relationships
// and path statistics.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/model"
)

// ErrRelationshipLookup is wrapped by every LookupError.
var ErrRelationshipLookup = errors.New("relationship lookup failed")

// LookupError is returned together with a classified path when some
// relationships could not be looked up and were recorded as NF.
type LookupError struct {
	Failures int
	Err      error
}

// Error implements error.
func (e *LookupError) Error() string {
	return fmt.Sprintf("%s for %d pairs: %v", ErrRelationshipLookup, e.Failures, e.Err)
}

// Unwrap returns ErrRelationshipLookup and the last lookup error.
func (e *LookupError) Unwrap() []error {
	return []error{ErrRelationshipLookup, e.Err}
}

// Relationships looks up the relationship of an AS pair.
// RelationshipCache implements it.
type Relationships interface {
	Lookup(ctx context.Context, as0, as1 int) (model.RelationshipType, error)
}

// Classifier derives relationships and stats of collapsed paths.
type Classifier struct {
	relationships   Relationships
	inferAcrossGaps bool
	logger          *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithInferAcrossGaps enables or disables relationships across a single missing hop.
func WithInferAcrossGaps(enabled bool) Option {
	return func(c *Classifier) {
		c.inferAcrossGaps = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		c.logger = logger
	}
}

// New creates a classifier. Gap inference is enabled by default.
func New(relationships Relationships, opts ...Option) *Classifier {
	c := &Classifier{
		relationships:   relationships,
		inferAcrossGaps: true,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pending is a relationship to emit between hop and the hop target.
type pending struct {
	hop      int
	as0, as1 int
	ixp      bool
	inferred bool
}

// walk calls fn for every relationship of p, in hop order.
func (c *Classifier) walk(p *model.Path, fn func(pending) error) error {
	hops := p.Hops
	for i := 0; i < len(hops)-1; i++ {
		as0, ok := hops[i].ASNumber()
		if !ok {
			continue
		}

		next := hops[i+1]
		if as1, ok := next.ASNumber(); ok {
			if err := fn(pending{hop: i, as0: as0, as1: as1, ixp: next.IsIXP()}); err != nil {
				return err
			}
			continue
		}

		if !c.inferAcrossGaps || !next.IsMissing() || i+2 >= len(hops) {
			continue
		}
		far := hops[i+2]
		as2, ok := far.ASNumber()
		if !ok {
			continue
		}
		if err := fn(pending{hop: i, as0: as0, as1: as2, ixp: far.IsIXP(), inferred: true}); err != nil {
			return err
		}
		i++
	}
	return nil
}

// Pairs returns the AS pairs whose relationships classifying paths needs,
// in first-seen order.
func (c *Classifier) Pairs(paths []*model.Path) []lookup.Pair {
	seen := make(map[lookup.Pair]struct{})
	var out []lookup.Pair
	for _, p := range paths {
		if p == nil {
			continue
		}
		_ = c.walk(p, func(e pending) error {
			if e.ixp {
				return nil
			}
			pair := lookup.Pair{AS0: e.as0, AS1: e.as1}
			if _, ok := seen[pair]; !ok {
				seen[pair] = struct{}{}
				out = append(out, pair)
			}
			return nil
		})
	}
	return out
}

// Classify returns a copy of p with its relationships and stats.
//
// A pair whose next hop is an IXP is classified IXP without a lookup. A
// lookup that fails is recorded as NF; the path is still returned, together
// with a *LookupError counting the failures. A done context returns its error
// and no path.
func (c *Classifier) Classify(ctx context.Context, p *model.Path) (*model.Path, error) {
	out := p.Clone()
	out.Relationships = make([]model.RelationshipEdge, 0, len(out.Hops))

	var (
		failures int
		lastErr  error
	)
	err := c.walk(out, func(e pending) error {
		edge := model.RelationshipEdge{
			Hop:      e.hop,
			AS0:      e.as0,
			AS1:      e.as1,
			Type:     model.RelationshipIXP,
			Inferred: e.inferred,
		}
		if !e.ixp {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := c.relationships.Lookup(ctx, e.as0, e.as1)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				c.logger.Warn("relationship lookup failed",
					"as0", e.as0,
					"as1", e.as1,
					"error", err,
				)
				failures++
				lastErr = err
				t = model.RelationshipNF
			}
			edge.Type = t
		}
		out.Relationships = append(out.Relationships, edge)
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats := model.ComputeStats(out)
	out.Stats = &stats

	if failures > 0 {
		return out, &LookupError{Failures: failures, Err: lastErr}
	}
	return out, nil
}
