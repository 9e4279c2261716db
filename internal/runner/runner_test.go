package runner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
)

type fakeIngester struct {
	results []domain.SourceResult
	got     []domain.Source
}

func (f *fakeIngester) Ingest(_ context.Context, sources []domain.Source) *domain.IngestReport {
	f.got = sources
	return &domain.IngestReport{Results: f.results}
}

type fakeIndexer struct {
	calls   int
	sources []domain.Source
	results []domain.GroupResult
}

func (f *fakeIndexer) Trigger(_ context.Context, sources []domain.Source) []domain.GroupResult {
	f.calls++
	f.sources = sources
	return f.results
}

type fakeMarker struct {
	marked []string
}

func (f *fakeMarker) MarkIndexed(_ context.Context, groupID string, _ time.Time) error {
	f.marked = append(f.marked, groupID)
	return nil
}

func TestRunner_ZeroNewItemsSkipsIndexing(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{results: []domain.SourceResult{{Source: domain.Source{ID: "c1"}}}}
	idx := &fakeIndexer{}

	res, err := runner.New(ing, idx, nil, logger.NewNop()).Run(context.Background(), []domain.Source{{ID: "c1"}})

	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.False(t, res.Indexed())
	assert.Zero(t, idx.calls)
}

func TestRunner_IndexesAffectedSourcesOnly(t *testing.T) {
	t.Parallel()

	a := domain.Source{ID: "a", GroupID: "G1"}
	b := domain.Source{ID: "b", GroupID: "G2"}
	ing := &fakeIngester{results: []domain.SourceResult{
		{Source: a, NewItems: 3},
		{Source: b},
	}}
	idx := &fakeIndexer{results: []domain.GroupResult{
		{GroupID: "G1"},
	}}
	marker := &fakeMarker{}

	res, err := runner.New(ing, idx, marker, logger.NewNop()).Run(context.Background(), []domain.Source{a, b})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Total())
	assert.Equal(t, 1, idx.calls)
	assert.Equal(t, []domain.Source{a}, idx.sources)
	assert.Equal(t, []string{"G1"}, marker.marked)
}

func TestRunner_FailedRebuildIsNotMarked(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{results: []domain.SourceResult{{Source: domain.Source{ID: "a", GroupID: "G1"}, NewItems: 1}}}
	idx := &fakeIndexer{results: []domain.GroupResult{{GroupID: "G1", Err: errors.New("502")}}}
	marker := &fakeMarker{}

	_, err := runner.New(ing, idx, marker, logger.NewNop()).Run(context.Background(), []domain.Source{{ID: "a"}})

	require.NoError(t, err, "downstream failure never fails the run")
	assert.Empty(t, marker.marked)
}

func TestRunner_AllSourcesFailed(t *testing.T) {
	t.Parallel()

	boom := errors.New("fetch failed")
	ing := &fakeIngester{results: []domain.SourceResult{
		{Source: domain.Source{ID: "a"}, Err: boom},
		{Source: domain.Source{ID: "b"}, Err: boom},
	}}

	_, err := runner.New(ing, &fakeIndexer{}, nil, logger.NewNop()).
		Run(context.Background(), []domain.Source{{ID: "a"}, {ID: "b"}})

	require.ErrorIs(t, err, domain.ErrAllSourcesFailed)
	require.ErrorIs(t, err, boom)
}

func TestRunner_PartialFailureSucceeds(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{results: []domain.SourceResult{
		{Source: domain.Source{ID: "a"}, Err: errors.New("boom")},
		{Source: domain.Source{ID: "b", GroupID: "G"}, NewItems: 2},
	}}
	idx := &fakeIndexer{}

	res, err := runner.New(ing, idx, nil, logger.NewNop()).
		Run(context.Background(), []domain.Source{{ID: "a"}, {ID: "b"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Report.FailedSourceIDs())
	assert.Equal(t, 1, idx.calls)
}

func TestRunner_NoSources(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{}
	_, err := runner.New(ing, &fakeIndexer{}, nil, logger.NewNop()).Run(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrNoSources)
	assert.Nil(t, ing.got)
}

func TestRunner_ReportsPhases(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{results: []domain.SourceResult{{Source: domain.Source{ID: "a", GroupID: "G"}, NewItems: 1}}}
	var phases []domain.RunPhase
	ctx := runner.WithPhaseHook(context.Background(), func(p domain.RunPhase) { phases = append(phases, p) })

	_, err := runner.New(ing, &fakeIndexer{}, nil, logger.NewNop()).Run(ctx, []domain.Source{{ID: "a"}})

	require.NoError(t, err)
	assert.Equal(t, []domain.RunPhase{domain.PhaseIngesting, domain.PhaseIndexing}, phases)
}
