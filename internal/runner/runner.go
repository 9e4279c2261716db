// Package runner composes ingestion and index rebuilds into one run. Both the
// scheduled controller and the manual job consumer use it.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
)

// Ingester pulls new items for a set of sources.
type Ingester interface {
	Ingest(ctx context.Context, sources []domain.Source) *domain.IngestReport
}

// Indexer requests index rebuilds for the guilds of the given sources.
type Indexer interface {
	Trigger(ctx context.Context, sources []domain.Source) []domain.GroupResult
}

// IndexMarker records when a guild was last rebuilt.
type IndexMarker interface {
	MarkIndexed(ctx context.Context, groupID string, at time.Time) error
}

// Result is the outcome of one run.
type Result struct {
	Report *domain.IngestReport
	Groups []domain.GroupResult
}

// Total is the number of new items stored by the run.
func (r Result) Total() int { return r.Report.Total() }

// Indexed reports whether any rebuild was requested.
func (r Result) Indexed() bool { return len(r.Groups) > 0 }

// Runner runs ingest then index.
type Runner struct {
	ingester Ingester
	indexer  Indexer
	marker   IndexMarker
	log      logger.Logger
	now      func() time.Time
}

// New creates a runner. marker may be nil.
func New(ingester Ingester, indexer Indexer, marker IndexMarker, log logger.Logger) *Runner {
	return &Runner{ingester: ingester, indexer: indexer, marker: marker, log: log, now: time.Now}
}

// Run ingests sources and, only when new items were stored, rebuilds the
// indexes of the guilds that received them. It returns an error when there
// is nothing to run or every source failed; partial failures are reported in
// the result only.
func (r *Runner) Run(ctx context.Context, sources []domain.Source) (Result, error) {
	if len(sources) == 0 {
		return Result{Report: &domain.IngestReport{}}, domain.ErrNoSources
	}
	log := logger.FromContextOr(ctx, r.log)

	reportPhase(ctx, domain.PhaseIngesting)
	res := Result{Report: r.ingester.Ingest(ctx, sources)}

	if res.Total() == 0 {
		log.Info("No new items, skipping index rebuild")
	} else {
		reportPhase(ctx, domain.PhaseIndexing)
		res.Groups = r.indexer.Trigger(ctx, affected(res.Report))
		r.markIndexed(ctx, log, res.Groups)
	}

	if res.Report.AllFailed() {
		return res, fmt.Errorf("%w: %w", domain.ErrAllSourcesFailed, res.Report.FirstError())
	}
	return res, nil
}

type phaseHookKey struct{}

// WithPhaseHook returns a context whose runs report each phase to fn.
func WithPhaseHook(ctx context.Context, fn func(domain.RunPhase)) context.Context {
	return context.WithValue(ctx, phaseHookKey{}, fn)
}

func reportPhase(ctx context.Context, phase domain.RunPhase) {
	if fn, ok := ctx.Value(phaseHookKey{}).(func(domain.RunPhase)); ok && fn != nil {
		fn(phase)
	}
}

// affected returns the sources that stored at least one new item.
func affected(report *domain.IngestReport) []domain.Source {
	var out []domain.Source
	for _, res := range report.Results {
		if res.NewItems > 0 {
			out = append(out, res.Source)
		}
	}
	return out
}

func (r *Runner) markIndexed(ctx context.Context, log logger.Logger, groups []domain.GroupResult) {
	if r.marker == nil {
		return
	}
	at := r.now()
	for _, g := range groups {
		if !g.Succeeded() {
			continue
		}
		if err := r.marker.MarkIndexed(ctx, g.GroupID, at); err != nil {
			log.Warn("Failed to record last indexed time", logger.GroupID(g.GroupID), logger.Error(err))
		}
	}
}
