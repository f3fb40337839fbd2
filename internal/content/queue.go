// Package content evaluates the scheduled content queue: one-shot items due
// by publish_at and recurring items due by cron expression. Cron evaluation
// happens here rather than in SQL.
package content

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// Store is the row access the queue needs; *postgres.ContentRepo satisfies it.
type Store interface {
	NextOneShot(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind, now time.Time) (*domain.ContentItem, error)
	ListRecurring(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind) ([]domain.ContentItem, error)
	MarkRun(ctx context.Context, id string, at time.Time) error
}

// Queue implements fleet.ContentRepository on top of raw queue rows.
type Queue struct {
	store Store
}

// NewQueue creates the content queue.
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// NextDue returns the next content item due for the account. One-shot items
// take precedence over recurring ones; among recurring items the first due
// row in creation order wins. Returns fleet.ErrNoEligibleTarget when
// nothing is due.
func (q *Queue) NextDue(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind, now time.Time) (*domain.ContentItem, error) {
	item, err := q.store.NextOneShot(ctx, accountID, segment, kind, now)
	if err == nil {
		return item, nil
	}
	if err != fleet.ErrNoEligibleTarget {
		return nil, err
	}

	recurring, err := q.store.ListRecurring(ctx, accountID, segment, kind)
	if err != nil {
		return nil, err
	}
	for i := range recurring {
		due, err := cronDue(&recurring[i], now)
		if err != nil {
			log.Printf("[ContentQueue] item %s: %v", recurring[i].ID, err)
			continue
		}
		if due {
			return &recurring[i], nil
		}
	}
	return nil, fleet.ErrNoEligibleTarget
}

// MarkRun records a completed run.
func (q *Queue) MarkRun(ctx context.Context, id string, at time.Time) error {
	return q.store.MarkRun(ctx, id, at)
}

// cronDue reports whether the item's most recent cron tick has not run yet.
func cronDue(item *domain.ContentItem, now time.Time) (bool, error) {
	prev, err := gronx.PrevTickBefore(item.CronExpr, now, true)
	if err != nil {
		return false, fmt.Errorf("bad cron expression %q: %w", item.CronExpr, err)
	}
	if item.LastRunAt == nil {
		return true, nil
	}
	return item.LastRunAt.Before(prev), nil
}
