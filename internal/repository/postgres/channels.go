package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// ChannelRepo implements fleet.ChannelRepository against PostgreSQL.
type ChannelRepo struct{ db *sql.DB }

// NewChannelRepo creates a Postgres-backed target channel repository.
func NewChannelRepo(db *sql.DB) *ChannelRepo { return &ChannelRepo{db: db} }

func (r *ChannelRepo) ListActive(ctx context.Context, segment domain.Segment) ([]domain.TargetChannel, error) {
	q := `
		SELECT id, username, segment, joined_at, active, anti_bot, created_at
		FROM traffic_channels WHERE active = true`
	args := []interface{}{}
	if segment != "" {
		q += ` AND segment = $1`
		args = append(args, segment)
	}
	q += ` ORDER BY username`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []domain.TargetChannel
	for rows.Next() {
		var c domain.TargetChannel
		if err := rows.Scan(&c.ID, &c.Username, &c.Segment, &c.JoinedAt, &c.Active, &c.AntiBot, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ChannelRepo) NextUnjoined(ctx context.Context, accountID string, segment domain.Segment) (*domain.TargetChannel, error) {
	c := &domain.TargetChannel{}
	err := r.db.QueryRowContext(ctx, `
		SELECT c.id, c.username, c.segment, c.joined_at, c.active, c.anti_bot, c.created_at
		FROM traffic_channels c
		WHERE c.active = true AND c.segment IN ($1, 'universal')
		  AND NOT EXISTS (
		      SELECT 1 FROM traffic_subscriptions s
		      WHERE s.channel_id = c.id AND s.account_id = $2
		  )
		ORDER BY c.created_at
		LIMIT 1
	`, segment, accountID).Scan(
		&c.ID, &c.Username, &c.Segment, &c.JoinedAt, &c.Active, &c.AntiBot, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNoEligibleTarget
	}
	if err != nil {
		return nil, fmt.Errorf("next unjoined channel: %w", err)
	}
	return c, nil
}

func (r *ChannelRepo) MarkJoined(ctx context.Context, channelID, accountID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_subscriptions (channel_id, account_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, account_id) DO NOTHING
	`, channelID, accountID, at)
	if err != nil {
		return fmt.Errorf("mark joined: %w", err)
	}
	return nil
}

func (r *ChannelRepo) StoryOwners(ctx context.Context, accountID string, segment domain.Segment, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	// Peers in the cohort the account has viewed least recently.
	rows, err := r.db.QueryContext(ctx, `
		SELECT o.peer_ref
		FROM traffic_story_owners o
		LEFT JOIN (
			SELECT target_ref, MAX(started_at) AS last_view
			FROM traffic_actions
			WHERE account_id = $1 AND kind IN ('story_view', 'story_react')
			GROUP BY target_ref
		) v ON v.target_ref = o.peer_ref
		WHERE o.segment = $2 AND o.active = true
		ORDER BY v.last_view NULLS FIRST, o.peer_ref
		LIMIT $3
	`, accountID, segment, limit)
	if err != nil {
		return nil, fmt.Errorf("story owners: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan story owner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
