package classify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/retry"
)

var errNoAnswer = errors.New("no answer")

// fakeSource answers from a fixed table. Pairs not in the table fail.
type fakeSource struct {
	table map[lookup.Pair]model.RelationshipType
	calls atomic.Int64
}

func (f *fakeSource) ASRelationship(_ context.Context, as0, as1 int) (model.RelationshipType, error) {
	f.calls.Add(1)
	t, ok := f.table[lookup.Pair{AS0: as0, AS1: as1}]
	if !ok {
		return model.RelationshipNF, errNoAnswer
	}
	return t, nil
}

// bulkSource also answers bulk requests.
type bulkSource struct {
	fakeSource
	bulkCalls atomic.Int64
}

func (b *bulkSource) ASRelationships(_ context.Context, pairs []lookup.Pair) (map[lookup.Pair]model.RelationshipType, error) {
	b.bulkCalls.Add(1)
	out := make(map[lookup.Pair]model.RelationshipType)
	for _, p := range pairs {
		if t, ok := b.table[p]; ok {
			out[p] = t
		}
	}
	return out, nil
}

func oneAttempt() retry.Config {
	return retry.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
}

func asHop(n int) model.Hop {
	return model.NewHop(model.ASInformation{Number: n, Kind: model.KindAS})
}

func ixpHop(n int) model.Hop {
	return model.NewHop(model.ASInformation{Number: n, Kind: model.KindIXP, IXPName: "IX"})
}

func newClassifier(source Source, opts ...Option) *Classifier {
	return New(NewRelationshipCache(source, WithCacheRetry(oneAttempt())), opts...)
}

// TestClassifyStats tests relationships and stats of a fully resolved path.
func TestClassifyStats(t *testing.T) {
	t.Parallel()

	source := &fakeSource{table: map[lookup.Pair]model.RelationshipType{
		{AS0: 100, AS1: 200}: model.RelationshipC2P,
		{AS0: 200, AS1: 300}: model.RelationshipP2P,
	}}
	p := model.NewPath(model.Coordinate{}, []model.Hop{asHop(100), asHop(200), asHop(300)})

	got, err := newClassifier(source).Classify(context.Background(), p)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}

	want := []model.RelationshipEdge{
		{Hop: 0, AS0: 100, AS1: 200, Type: model.RelationshipC2P},
		{Hop: 1, AS0: 200, AS1: 300, Type: model.RelationshipP2P},
	}
	if !slices.Equal(got.Relationships, want) {
		t.Errorf("relationships = %v, expected %v", got.Relationships, want)
	}
	if got.Stats == nil {
		t.Fatal("stats not set")
	}
	s := *got.Stats
	if s.ASHops != 3 || s.C2P != 1 || s.P2P != 1 || s.Relationships() != 2 || !s.Completed {
		t.Errorf("stats = %+v", s)
	}
	if p.Stats != nil || p.Relationships != nil {
		t.Error("input path was modified")
	}
}

// TestClassifyIXP tests that an IXP next hop is classified without a lookup.
func TestClassifyIXP(t *testing.T) {
	t.Parallel()

	source := &fakeSource{table: map[lookup.Pair]model.RelationshipType{
		{AS0: 200, AS1: 300}: model.RelationshipP2C,
	}}
	p := model.NewPath(model.Coordinate{}, []model.Hop{asHop(100), ixpHop(200), asHop(300)})

	got, err := newClassifier(source).Classify(context.Background(), p)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if len(got.Relationships) != 2 || got.Relationships[0].Type != model.RelationshipIXP {
		t.Errorf("relationships = %v", got.Relationships)
	}
	if n := source.calls.Load(); n != 1 {
		t.Errorf("lookups = %d, expected 1", n)
	}
	if got.Stats.IXP != 1 || got.Stats.P2C != 1 {
		t.Errorf("stats = %+v", *got.Stats)
	}
}

// TestClassifyGap tests relationships across a single missing hop.
func TestClassifyGap(t *testing.T) {
	t.Parallel()

	table := map[lookup.Pair]model.RelationshipType{
		{AS0: 100, AS1: 300}: model.RelationshipS2S,
		{AS0: 300, AS1: 400}: model.RelationshipP2P,
	}
	hops := []model.Hop{asHop(100), model.MissingHop(), asHop(300), asHop(400)}

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()

		p := model.NewPath(model.Coordinate{}, hops)
		got, err := newClassifier(&fakeSource{table: table}).Classify(context.Background(), p)
		if err != nil {
			t.Fatalf("Classify() error: %v", err)
		}
		want := []model.RelationshipEdge{
			{Hop: 0, AS0: 100, AS1: 300, Type: model.RelationshipS2S, Inferred: true},
			{Hop: 2, AS0: 300, AS1: 400, Type: model.RelationshipP2P},
		}
		if !slices.Equal(got.Relationships, want) {
			t.Errorf("relationships = %v, expected %v", got.Relationships, want)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		p := model.NewPath(model.Coordinate{}, hops)
		got, err := newClassifier(&fakeSource{table: table}, WithInferAcrossGaps(false)).Classify(context.Background(), p)
		if err != nil {
			t.Fatalf("Classify() error: %v", err)
		}
		if len(got.Relationships) != 1 || got.Relationships[0].Hop != 2 {
			t.Errorf("relationships = %v", got.Relationships)
		}
	})
}

// TestClassifyFailedLookup tests that failed lookups become NF and are counted.
func TestClassifyFailedLookup(t *testing.T) {
	t.Parallel()

	source := &fakeSource{table: map[lookup.Pair]model.RelationshipType{
		{AS0: 100, AS1: 200}: model.RelationshipC2P,
	}}
	p := model.NewPath(model.Coordinate{}, []model.Hop{asHop(100), asHop(200), asHop(300)})

	got, err := newClassifier(source).Classify(context.Background(), p)
	if !errors.Is(err, ErrRelationshipLookup) || !errors.Is(err, errNoAnswer) {
		t.Fatalf("expected ErrRelationshipLookup wrapping errNoAnswer, got %v", err)
	}
	var lerr *LookupError
	if !errors.As(err, &lerr) || lerr.Failures != 1 {
		t.Fatalf("expected one failure, got %v", err)
	}
	if got == nil {
		t.Fatal("path must be returned with the error")
	}
	if got.Relationships[1].Type != model.RelationshipNF || got.Stats.NF != 1 {
		t.Errorf("relationships = %v", got.Relationships)
	}
}

// TestClassifyCancelled tests that a done context stops classification.
func TestClassifyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := model.NewPath(model.Coordinate{}, []model.Hop{asHop(100), asHop(200)})
	got, err := newClassifier(&fakeSource{}).Classify(ctx, p)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got != nil {
		t.Errorf("expected no path, got %v", got)
	}
}

// TestRelationshipCacheShared tests that concurrent lookups of one pair make one request.
func TestRelationshipCacheShared(t *testing.T) {
	t.Parallel()

	source := &fakeSource{table: map[lookup.Pair]model.RelationshipType{
		{AS0: 1, AS1: 2}: model.RelationshipP2C,
	}}
	cache := NewRelationshipCache(source, WithCacheRetry(oneAttempt()))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.Lookup(context.Background(), 1, 2)
			if err != nil || got != model.RelationshipP2C {
				t.Errorf("Lookup() = %s, %v", got, err)
			}
		}()
	}
	wg.Wait()

	if n := source.calls.Load(); n != 1 {
		t.Errorf("requests = %d, expected 1", n)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", cache.Len())
	}
}

// blockingSource answers after release is closed, or fails when its own
// context ends first.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingSource) ASRelationship(ctx context.Context, _, _ int) (model.RelationshipType, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	select {
	case <-b.release:
		return model.RelationshipC2P, nil
	case <-ctx.Done():
		return model.RelationshipNF, ctx.Err()
	}
}

// TestRelationshipCacheCallerCancelled tests that a caller leaving a shared
// lookup does not fail the callers waiting on the same pair.
func TestRelationshipCacheCallerCancelled(t *testing.T) {
	t.Parallel()

	source := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewRelationshipCache(source, WithCacheRetry(oneAttempt()))

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Lookup(ctx, 1, 2)
		firstErr <- err
	}()
	<-source.started

	type answer struct {
		t   model.RelationshipType
		err error
	}
	second := make(chan answer, 1)
	go func() {
		got, err := cache.Lookup(context.Background(), 1, 2)
		second <- answer{got, err}
	}()
	// Give the second caller time to join the lookup in flight.
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller: expected context.Canceled, got %v", err)
	}

	close(source.release)
	got := <-second
	if got.err != nil || got.t != model.RelationshipC2P {
		t.Errorf("second caller: Lookup() = %s, %v", got.t, got.err)
	}
	if n := source.calls.Load(); n != 1 {
		t.Errorf("requests = %d, expected 1", n)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", cache.Len())
	}
}

// TestRelationshipCacheFailureNotStored tests that failed lookups are retried later.
func TestRelationshipCacheFailureNotStored(t *testing.T) {
	t.Parallel()

	source := &fakeSource{table: map[lookup.Pair]model.RelationshipType{}}
	cache := NewRelationshipCache(source, WithCacheRetry(oneAttempt()))

	for range 2 {
		if _, err := cache.Lookup(context.Background(), 1, 2); !errors.Is(err, errNoAnswer) {
			t.Fatalf("expected errNoAnswer, got %v", err)
		}
	}
	if n := source.calls.Load(); n != 2 {
		t.Errorf("requests = %d, expected 2", n)
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d, expected 0", cache.Len())
	}
}

// TestPrefetch tests that a bulk prefetch answers later lookups.
func TestPrefetch(t *testing.T) {
	t.Parallel()

	source := &bulkSource{fakeSource: fakeSource{table: map[lookup.Pair]model.RelationshipType{
		{AS0: 100, AS1: 200}: model.RelationshipC2P,
		{AS0: 200, AS1: 300}: model.RelationshipP2P,
	}}}
	cache := NewRelationshipCache(source, WithCacheRetry(oneAttempt()))
	classifier := New(cache)

	paths := []*model.Path{
		model.NewPath(model.Coordinate{}, []model.Hop{asHop(100), asHop(200), asHop(300)}),
		model.NewPath(model.Coordinate{}, []model.Hop{asHop(100), asHop(200), ixpHop(400)}),
	}
	pairs := classifier.Pairs(paths)
	want := []lookup.Pair{{AS0: 100, AS1: 200}, {AS0: 200, AS1: 300}}
	if !slices.Equal(pairs, want) {
		t.Fatalf("Pairs() = %v, expected %v", pairs, want)
	}

	if err := cache.Prefetch(context.Background(), pairs); err != nil {
		t.Fatalf("Prefetch() error: %v", err)
	}
	for _, p := range paths {
		if _, err := classifier.Classify(context.Background(), p); err != nil {
			t.Fatalf("Classify() error: %v", err)
		}
	}

	if n := source.bulkCalls.Load(); n != 1 {
		t.Errorf("bulk requests = %d, expected 1", n)
	}
	if n := source.calls.Load(); n != 0 {
		t.Errorf("single requests = %d, expected 0", n)
	}
}
