package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// ActionRepo implements fleet.ActionRepository against PostgreSQL.
// traffic_actions is append-only; only Finish, SetCommentResult, and
// AttributeOutcome touch existing rows.
type ActionRepo struct{ db *sql.DB }

// NewActionRepo creates a Postgres-backed action log repository.
func NewActionRepo(db *sql.DB) *ActionRepo { return &ActionRepo{db: db} }

func (r *ActionRepo) Append(ctx context.Context, rec *domain.ActionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_actions
			(id, account_id, kind, target_ref, started_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.AccountID, rec.Kind, rec.TargetRef, rec.StartedAt, rec.Outcome)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

func (r *ActionRepo) Finish(ctx context.Context, id string, outcome domain.ActionOutcome, errKind *domain.ErrorKind, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_actions SET outcome = $1, error_kind = $2, finished_at = $3
		WHERE id = $4 AND finished_at IS NULL
	`, outcome, errKind, finishedAt, id)
	if err != nil {
		return fmt.Errorf("finish action: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *ActionRepo) SetCommentResult(ctx context.Context, id string, messageID int64, strategy domain.Strategy, topic string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_actions
		SET comment_message_id = $1, strategy_used = $2, post_topic = $3
		WHERE id = $4
	`, messageID, strategy, topic, id)
	if err != nil {
		return fmt.Errorf("set comment result: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *ActionRepo) AttributeOutcome(ctx context.Context, id string, gotReply bool, replyCount int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_actions SET got_reply = $1, reply_count = $2 WHERE id = $3
	`, gotReply, replyCount, id)
	if err != nil {
		return fmt.Errorf("attribute outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *ActionRepo) RecoverStale(ctx context.Context, accountID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_actions
		SET outcome = $1, error_kind = $2, finished_at = NOW()
		WHERE account_id = $3 AND finished_at IS NULL
	`, domain.OutcomeError, domain.ErrRecovered, accountID)
	if err != nil {
		return 0, fmt.Errorf("recover stale actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *ActionRepo) CommentExists(ctx context.Context, targetRef string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM traffic_actions WHERE kind = $1 AND target_ref = $2
		)
	`, domain.ActionComment, targetRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("comment exists: %w", err)
	}
	return exists, nil
}

const actionColumns = `
	id, account_id, kind, target_ref, started_at, finished_at, outcome,
	error_kind, comment_message_id, strategy_used, relevance_score,
	post_topic, got_reply, reply_count`

func (r *ActionRepo) Get(ctx context.Context, id string) (*domain.ActionRecord, error) {
	var a domain.ActionRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM traffic_actions WHERE id = $1
	`, id).Scan(
		&a.ID, &a.AccountID, &a.Kind, &a.TargetRef, &a.StartedAt, &a.FinishedAt,
		&a.Outcome, &a.ErrorKind, &a.CommentMessageID, &a.StrategyUsed,
		&a.RelevanceScore, &a.PostTopic, &a.GotReply, &a.ReplyCount,
	)
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &a, nil
}

func (r *ActionRepo) ListRecent(ctx context.Context, accountID string, limit int) ([]domain.ActionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM traffic_actions
		WHERE account_id = $1 ORDER BY started_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent actions: %w", err)
	}
	defer rows.Close()

	var out []domain.ActionRecord
	for rows.Next() {
		var a domain.ActionRecord
		if err := rows.Scan(
			&a.ID, &a.AccountID, &a.Kind, &a.TargetRef, &a.StartedAt, &a.FinishedAt,
			&a.Outcome, &a.ErrorKind, &a.CommentMessageID, &a.StrategyUsed,
			&a.RelevanceScore, &a.PostTopic, &a.GotReply, &a.ReplyCount,
		); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *ActionRepo) ErrorDigest(ctx context.Context, since time.Time, limit, offset int) ([]fleet.ErrorGroup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT error_kind, COUNT(*), MAX(started_at), MAX(target_ref)
		FROM traffic_actions
		WHERE outcome = $1 AND error_kind IS NOT NULL AND started_at >= $2
		GROUP BY error_kind
		ORDER BY COUNT(*) DESC
		LIMIT $3 OFFSET $4
	`, domain.OutcomeError, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("error digest: %w", err)
	}
	defer rows.Close()

	var out []fleet.ErrorGroup
	for rows.Next() {
		var g fleet.ErrorGroup
		if err := rows.Scan(&g.ErrorKind, &g.Count, &g.LastSeen, &g.Sample); err != nil {
			return nil, fmt.Errorf("scan error group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *ActionRepo) CountByOutcome(ctx context.Context, since time.Time) (map[domain.ActionOutcome]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM traffic_actions
		WHERE started_at >= $1 GROUP BY outcome
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer rows.Close()

	out := map[domain.ActionOutcome]int{}
	for rows.Next() {
		var o domain.ActionOutcome
		var n int
		if err := rows.Scan(&o, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		out[o] = n
	}
	return out, rows.Err()
}
