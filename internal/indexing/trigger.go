package indexing

import (
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/logger"
)

// Rebuilder issues one rebuild request.
type Rebuilder interface {
	RebuildIndex(ctx context.Context, groupID string) (RebuildResponse, error)
}

// GroupResolver finds the guild of a channel when the source does not name it.
type GroupResolver interface {
	GroupOf(ctx context.Context, sourceID string) (string, error)
}

// Observer counts rebuild outcomes for metrics.
type Observer interface {
	IndexRequest(result string)
}

// Trigger fans out one rebuild request per distinct guild.
type Trigger struct {
	client   Rebuilder
	resolver GroupResolver
	log      logger.Logger
	timeout  time.Duration
	observer Observer
}

// NewTrigger creates a trigger. A non-positive timeout uses DefaultTimeout.
func NewTrigger(client Rebuilder, resolver GroupResolver, log logger.Logger, timeout time.Duration) *Trigger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Trigger{client: client, resolver: resolver, log: log, timeout: timeout}
}

// WithObserver reports outcomes to o.
func (t *Trigger) WithObserver(o Observer) *Trigger {
	t.observer = o
	return t
}

// Trigger resolves the guilds of sources and requests a rebuild for each one
// concurrently. A failure for one guild never cancels or delays another.
// Results are returned in the order guilds were first seen; nothing is retried.
func (t *Trigger) Trigger(ctx context.Context, sources []domain.Source) []domain.GroupResult {
	log := logger.FromContextOr(ctx, t.log)

	if e, ok := t.client.(interface{ IsEnabled() bool }); ok && !e.IsEnabled() {
		log.Info("Indexing disabled, skipping rebuild", logger.Int("sources", len(sources)))
		return nil
	}

	groups := t.resolveGroups(ctx, log, sources)
	if len(groups) == 0 {
		log.Warn("No guilds to index")
		return nil
	}

	results := make([]domain.GroupResult, len(groups))
	var wg sync.WaitGroup
	for i, groupID := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = t.rebuild(ctx, log, groupID)
		}()
	}
	wg.Wait()

	return results
}

func (t *Trigger) rebuild(ctx context.Context, log logger.Logger, groupID string) domain.GroupResult {
	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := t.client.RebuildIndex(reqCtx, groupID)
	res := domain.GroupResult{
		GroupID:       groupID,
		Status:        resp.Status,
		RemoteJobID:   resp.JobID,
		ChunksCreated: resp.ChunksCreated,
		Duration:      time.Since(start),
		Err:           err,
	}

	if err != nil {
		t.observe("failure")
		log.Error("Index rebuild failed",
			logger.GroupID(groupID),
			logger.Duration("duration", res.Duration),
			logger.Error(err),
		)
		return res
	}

	t.observe("success")
	log.Info("Index rebuild requested",
		logger.GroupID(groupID),
		logger.String("status", resp.Status),
		logger.String("remote_job_id", resp.JobID),
		logger.Int("chunks_created", resp.ChunksCreated),
		logger.Duration("duration", res.Duration),
	)
	return res
}

func (t *Trigger) resolveGroups(ctx context.Context, log logger.Logger, sources []domain.Source) []string {
	seen := make(map[string]bool, len(sources))
	groups := make([]string, 0, len(sources))

	for _, src := range sources {
		groupID := src.GroupID
		if groupID == "" && t.resolver != nil {
			resolved, err := t.resolver.GroupOf(ctx, src.ID)
			if err != nil {
				log.Warn("Skipping source with unknown guild", logger.SourceID(src.ID), logger.Error(err))
				continue
			}
			groupID = resolved
		}
		if groupID == "" || seen[groupID] {
			continue
		}
		seen[groupID] = true
		groups = append(groups, groupID)
	}
	return groups
}

func (t *Trigger) observe(result string) {
	if t.observer != nil {
		t.observer.IndexRequest(result)
	}
}
