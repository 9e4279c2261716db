package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/indexing"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/jobs"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/metrics"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/scheduler"
)

var (
	_ ingest.Observer    = (*metrics.Metrics)(nil)
	_ indexing.Observer  = (*metrics.Metrics)(nil)
	_ scheduler.Observer = (*metrics.Metrics)(nil)
	_ jobs.Observer      = (*metrics.Metrics)(nil)
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := metrics.New()

	m.ItemsIngested("c1", 3)
	m.ItemsIngested("c1", 2)
	m.ItemsIngested("c2", 0)
	m.SourceFailed("c2", "fetch")
	m.IndexRequest("success")
	m.IndexRequest("failed")
	m.IndexRequest("success")
	m.BackoffStarted()
	m.BackoffStarted()
	m.CycleFinished("indexed", 42*time.Second)
	m.JobFinished("completed")

	assert.InDelta(t, 5, testutil.ToFloat64(m.ItemsTotal.WithLabelValues("c1")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.ItemsTotal))
	assert.InDelta(t, 1, testutil.ToFloat64(m.SourceErrors.WithLabelValues("c2", "fetch")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.IndexingRequests.WithLabelValues("success")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.BackoffsTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("indexed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsTotal.WithLabelValues("completed")), 0)
}

func TestMetrics_RegistryIsPrivate(t *testing.T) {
	t.Parallel()

	first := metrics.New()
	second := metrics.New()
	first.JobFinished("failed")

	families, err := second.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "chat_ingestor_jobs_total", mf.GetName())
	}

	count, err := testutil.GatherAndCount(first.Registry(), "chat_ingestor_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
