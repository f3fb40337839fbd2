package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// OutcomeRepo implements fleet.OutcomeRepository against PostgreSQL.
type OutcomeRepo struct{ db *sql.DB }

// NewOutcomeRepo creates a Postgres-backed outcome-pending repository.
func NewOutcomeRepo(db *sql.DB) *OutcomeRepo { return &OutcomeRepo{db: db} }

func (r *OutcomeRepo) Enqueue(ctx context.Context, o *domain.OutcomePending) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_outcomes_pending
			(action_id, account_id, channel_username, post_message_id, comment_message_id, poll_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (action_id) DO NOTHING
	`, o.ActionID, o.AccountID, o.ChannelUsername, o.PostMessageID, o.CommentMessageID, o.PollAt)
	if err != nil {
		return fmt.Errorf("enqueue outcome poll: %w", err)
	}
	return nil
}

func (r *OutcomeRepo) Due(ctx context.Context, now time.Time, limit int) ([]domain.OutcomePending, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT action_id, account_id, channel_username, post_message_id, comment_message_id, poll_at, done
		FROM traffic_outcomes_pending
		WHERE done = false AND poll_at <= $1
		ORDER BY poll_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due outcome polls: %w", err)
	}
	defer rows.Close()

	var out []domain.OutcomePending
	for rows.Next() {
		var o domain.OutcomePending
		if err := rows.Scan(&o.ActionID, &o.AccountID, &o.ChannelUsername, &o.PostMessageID, &o.CommentMessageID, &o.PollAt, &o.Done); err != nil {
			return nil, fmt.Errorf("scan outcome poll: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OutcomeRepo) MarkDone(ctx context.Context, actionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_outcomes_pending SET done = true WHERE action_id = $1 AND done = false
	`, actionID)
	if err != nil {
		return fmt.Errorf("mark outcome done: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}
