package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// ContentRepo stores the scheduled content queue rows. Cron evaluation for
// recurring rows lives in internal/content; this repo only serves rows.
type ContentRepo struct{ db *sql.DB }

// NewContentRepo creates a Postgres-backed content queue repository.
func NewContentRepo(db *sql.DB) *ContentRepo { return &ContentRepo{db: db} }

const contentColumns = `
	id, kind, segment, account_id, COALESCE(peer_ref,''), COALESCE(topic,''),
	COALESCE(body,''), COALESCE(cron_expr,''), publish_at, last_run_at, active, created_at`

func scanContent(row interface{ Scan(...interface{}) error }) (*domain.ContentItem, error) {
	c := &domain.ContentItem{}
	err := row.Scan(
		&c.ID, &c.Kind, &c.Segment, &c.AccountID, &c.PeerRef, &c.Topic,
		&c.Body, &c.CronExpr, &c.PublishAt, &c.LastRunAt, &c.Active, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NextOneShot returns the oldest due one-shot item for the account/segment.
func (r *ContentRepo) NextOneShot(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind, now time.Time) (*domain.ContentItem, error) {
	c, err := scanContent(r.db.QueryRowContext(ctx, `
		SELECT `+contentColumns+` FROM traffic_content_queue
		WHERE active = true AND kind = $1 AND cron_expr = ''
		  AND publish_at IS NOT NULL AND publish_at <= $2
		  AND (account_id = $3 OR (account_id IS NULL AND segment IN ($4, 'universal')))
		ORDER BY publish_at
		LIMIT 1
	`, kind, now, accountID, segment))
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNoEligibleTarget
	}
	if err != nil {
		return nil, fmt.Errorf("next one-shot content: %w", err)
	}
	return c, nil
}

// ListRecurring returns active recurring items for the account/segment.
func (r *ContentRepo) ListRecurring(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind) ([]domain.ContentItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+contentColumns+` FROM traffic_content_queue
		WHERE active = true AND kind = $1 AND cron_expr <> ''
		  AND (account_id = $2 OR (account_id IS NULL AND segment IN ($3, 'universal')))
		ORDER BY created_at
	`, kind, accountID, segment)
	if err != nil {
		return nil, fmt.Errorf("list recurring content: %w", err)
	}
	defer rows.Close()

	var out []domain.ContentItem
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MarkRun records a completed run; one-shot rows deactivate.
func (r *ContentRepo) MarkRun(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_content_queue
		SET last_run_at = $1, active = CASE WHEN cron_expr = '' THEN false ELSE active END
		WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("mark content run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}
