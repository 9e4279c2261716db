// Package ingest pulls new messages from each source into the store. Every
// source runs its own fetch, filter, map and write pipeline so that a failure
// in one source never affects the others.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
)

const (
	// DefaultPageSize is the number of items requested per fetch.
	DefaultPageSize = 100

	// DefaultStoreTimeout bounds one cursor read or batch write.
	DefaultStoreTimeout = 30 * time.Second
)

// Stage names the pipeline step a source failed in.
type Stage string

const (
	StageIdentity Stage = "identity"
	StageCursor   Stage = "cursor"
	StageFetch    Stage = "fetch"
	StageWrite    Stage = "write"
)

// StageError records which step of a source's pipeline failed.
type StageError struct {
	Stage    Stage
	SourceID string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.SourceID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage of err, or "" if err is not a StageError.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Store is the message store as seen by the engine.
type Store interface {
	LatestCursor(ctx context.Context, sourceID string) (domain.Cursor, error)
	UpsertBatch(ctx context.Context, items []domain.Item) (int, error)
}

// SourceClient fetches pages of raw items after a cursor.
type SourceClient interface {
	FetchPage(ctx context.Context, src domain.Source, after domain.Cursor, limit int) (domain.Page, error)
	SelfID(ctx context.Context) (string, error)
}

// StatsSink receives per-page deltas. Record must not block.
type StatsSink interface {
	Record(delta domain.StatsDelta)
}

// Observer receives counters for metrics.
type Observer interface {
	ItemsIngested(sourceID string, n int)
	SourceFailed(sourceID, stage string)
}

// Engine drives per-source pagination until each source is caught up.
type Engine struct {
	store    Store
	client   SourceClient
	log      logger.Logger
	pageSize int
	timeout  time.Duration
	stats    StatsSink
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize overrides the page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithStoreTimeout bounds each store call. A non-positive d keeps the default.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithStats sends per-page deltas to sink.
func WithStats(sink StatsSink) Option {
	return func(e *Engine) { e.stats = sink }
}

// WithObserver reports counters to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an engine over the given store and client.
func NewEngine(store Store, client SourceClient, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		client:   client,
		log:      log,
		pageSize: DefaultPageSize,
		timeout:  DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest runs every source in order and reports what each one committed.
// Cancellation is checked between pages; a page in flight always finishes,
// though each store call is bounded by the store timeout.
func (e *Engine) Ingest(ctx context.Context, sources []domain.Source) *domain.IngestReport {
	log := logger.FromContextOr(ctx, e.log)
	report := &domain.IngestReport{Results: make([]domain.SourceResult, 0, len(sources))}

	for _, src := range sources {
		start := time.Now()
		res := e.ingestSource(ctx, log, src)
		report.Results = append(report.Results, res)

		fields := []logger.Field{
			logger.SourceID(src.ID),
			logger.Int("new_items", res.NewItems),
			logger.Int("pages", res.Pages),
			logger.Duration("duration", time.Since(start)),
		}
		if res.Err != nil {
			e.observeFailure(src.ID, StageOf(res.Err))
			log.Error("Source ingestion failed", append(fields, logger.Error(res.Err))...)
			continue
		}
		log.Info("Source ingested", fields...)
	}

	log.Info("Ingestion finished",
		logger.Int("sources", len(sources)),
		logger.Int("failed_sources", len(report.FailedSourceIDs())),
		logger.Int("total_new_items", report.Total()),
	)
	return report
}

func (e *Engine) ingestSource(ctx context.Context, log logger.Logger, src domain.Source) domain.SourceResult {
	res := domain.SourceResult{Source: src}
	opCtx := context.WithoutCancel(ctx)

	selfID, err := e.client.SelfID(opCtx)
	if err != nil {
		res.Err = &StageError{Stage: StageIdentity, SourceID: src.ID, Err: err}
		return res
	}

	cursor, err := e.latestCursor(opCtx, src.ID)
	if err != nil {
		res.Err = &StageError{Stage: StageCursor, SourceID: src.ID, Err: err}
		return res
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Err = ctxErr
			return res
		}

		page, fetchErr := e.client.FetchPage(opCtx, src, cursor, e.pageSize)
		if fetchErr != nil {
			res.Err = &StageError{Stage: StageFetch, SourceID: src.ID, Err: fetchErr}
			return res
		}
		res.Pages++

		items := mapItems(src, filterSelf(page.Items, selfID))
		n, writeErr := e.write(opCtx, src, items)
		if writeErr != nil {
			res.Err = &StageError{Stage: StageWrite, SourceID: src.ID, Err: writeErr}
			return res
		}
		res.NewItems += n

		// The cursor advances over the raw page so a page made only of the
		// bot's own messages is still skipped.
		next := cursor.Advance(page.Items)
		if endOfStream(page, e.pageSize) {
			return res
		}
		if next == cursor {
			log.Warn("Cursor did not advance on a full page, stopping source",
				logger.SourceID(src.ID), logger.String("cursor", cursor.ItemID))
			return res
		}
		cursor = next
	}
}

func (e *Engine) latestCursor(ctx context.Context, sourceID string) (domain.Cursor, error) {
	readCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.store.LatestCursor(readCtx, sourceID)
}

// endOfStream prefers an explicit signal and otherwise treats a short page as
// the newest available data.
func endOfStream(page domain.Page, pageSize int) bool {
	return page.Exhausted || len(page.Items) < pageSize
}

func filterSelf(items []domain.RawItem, selfID string) []domain.RawItem {
	if selfID == "" {
		return items
	}
	out := make([]domain.RawItem, 0, len(items))
	for _, it := range items {
		if it.AuthorID != selfID {
			out = append(out, it)
		}
	}
	return out
}

func mapItems(src domain.Source, raw []domain.RawItem) []domain.Item {
	items := make([]domain.Item, 0, len(raw))
	for _, r := range raw {
		items = append(items, r.ToItem(src))
	}
	return items
}

func (e *Engine) write(ctx context.Context, src domain.Source, items []domain.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	n, err := e.store.UpsertBatch(writeCtx, items)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		if e.observer != nil {
			e.observer.ItemsIngested(src.ID, n)
		}
		if e.stats != nil {
			e.stats.Record(deltaFor(src, items, n))
		}
	}
	return n, nil
}

func deltaFor(src domain.Source, items []domain.Item, n int) domain.StatsDelta {
	delta := domain.StatsDelta{GroupID: src.GroupID, SourceID: src.ID, NewItems: n}
	for _, it := range items {
		if delta.GroupID == "" {
			delta.GroupID = it.GroupID
		}
		if it.CreatedAt > delta.NewestMessage {
			delta.NewestMessage = it.CreatedAt
		}
	}
	return delta
}

func (e *Engine) observeFailure(sourceID string, stage Stage) {
	if e.observer == nil {
		return
	}
	if stage == "" {
		stage = "cancelled"
	}
	e.observer.SourceFailed(sourceID, string(stage))
}
