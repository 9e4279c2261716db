// Package activity decides whether the store has seen recent writes, which
// makes it unsafe to run a scheduled ingestion.
package activity

import (
	"context"
	"fmt"
	"time"
)

// DefaultQueryTimeout bounds one activity query.
const DefaultQueryTimeout = 30 * time.Second

// Store answers whether any item exists at or after a point in time.
type Store interface {
	HasActivitySince(ctx context.Context, sinceMillis int64) (bool, error)
}

// Gate checks the trailing quiet window.
type Gate struct {
	store   Store
	now     func() time.Time
	timeout time.Duration
}

// NewGate creates a gate over store.
func NewGate(store Store) *Gate {
	return &Gate{store: store, now: time.Now, timeout: DefaultQueryTimeout}
}

// WithTimeout bounds each activity query. A non-positive d keeps the current
// bound.
func (g *Gate) WithTimeout(d time.Duration) *Gate {
	if d > 0 {
		g.timeout = d
	}
	return g
}

// WithClock replaces the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// HasRecentActivity reports whether an item was created within the last
// quietPeriod. A non-positive period disables the check.
func (g *Gate) HasRecentActivity(ctx context.Context, quietPeriod time.Duration) (bool, error) {
	if quietPeriod <= 0 {
		return false, nil
	}

	since := g.now().Add(-quietPeriod).UnixMilli()

	queryCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	active, err := g.store.HasActivitySince(queryCtx, since)
	if err != nil {
		return false, fmt.Errorf("activity gate: %w", err)
	}
	return active, nil
}
