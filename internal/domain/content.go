package domain

import (
	"time"
)

// ContentKind distinguishes scheduled queue entries.
type ContentKind string

const (
	ContentPost    ContentKind = "post"    // publish to the account's linked channel
	ContentMessage ContentKind = "message" // direct message to a peer
)

// ContentItem is one entry in the scheduled content queue. Recurring slots use
// a cron expression; one-shot entries carry PublishAt.
type ContentItem struct {
	ID        string      `json:"id" db:"id"`
	Kind      ContentKind `json:"kind" db:"kind"`
	Segment   Segment     `json:"segment" db:"segment"`
	AccountID *string     `json:"account_id" db:"account_id"` // nil = any account in segment
	PeerRef   string      `json:"peer_ref" db:"peer_ref"`     // messages only
	Topic     string      `json:"topic" db:"topic"`
	Body      string      `json:"body" db:"body"` // empty = generate at send time

	CronExpr  string     `json:"cron_expr" db:"cron_expr"`
	PublishAt *time.Time `json:"publish_at" db:"publish_at"`
	LastRunAt *time.Time `json:"last_run_at" db:"last_run_at"`
	Active    bool       `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Recurring reports whether the item repeats on a cron schedule.
func (c *ContentItem) Recurring() bool { return c.CronExpr != "" }
