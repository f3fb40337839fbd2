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

// PostRepo implements fleet.PostRepository against PostgreSQL.
// The claim is a conditional UPDATE on claimed_by IS NULL, so two accounts
// racing for the same post are serialized by row locking: exactly one wins.
type PostRepo struct{ db *sql.DB }

// NewPostRepo creates a Postgres-backed post observation repository.
func NewPostRepo(db *sql.DB) *PostRepo { return &PostRepo{db: db} }

func (r *PostRepo) Observe(ctx context.Context, p *domain.PostObservation) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_posts (id, channel_username, message_id, seen_at, topic, excerpt)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_username, message_id) DO NOTHING
	`, p.ID, p.ChannelUsername, p.MessageID, p.SeenAt, p.Topic, p.Excerpt)
	if err != nil {
		return false, fmt.Errorf("observe post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *PostRepo) Claim(ctx context.Context, postID, accountID string, horizon time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_posts
		SET claimed_by = $1, claimed_at = NOW()
		WHERE id = $2 AND claimed_by IS NULL AND seen_at >= $3
	`, accountID, postID, time.Now().Add(-horizon))
	if err != nil {
		return fmt.Errorf("claim post: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrClaimDenied
	}
	return nil
}

func (r *PostRepo) NextUnclaimed(ctx context.Context, segment domain.Segment, horizon time.Duration) (*domain.PostObservation, error) {
	p := &domain.PostObservation{}
	err := r.db.QueryRowContext(ctx, `
		SELECT p.id, p.channel_username, p.message_id, p.seen_at, p.topic, p.excerpt,
		       p.claimed_by, p.claimed_at
		FROM traffic_posts p
		JOIN traffic_channels c ON c.username = p.channel_username
		WHERE p.claimed_by IS NULL AND p.seen_at >= $1
		  AND c.active = true AND c.segment = $2
		ORDER BY p.seen_at DESC
		LIMIT 1
	`, time.Now().Add(-horizon), segment).Scan(
		&p.ID, &p.ChannelUsername, &p.MessageID, &p.SeenAt, &p.Topic, &p.Excerpt,
		&p.ClaimedBy, &p.ClaimedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNoEligibleTarget
	}
	if err != nil {
		return nil, fmt.Errorf("next unclaimed post: %w", err)
	}
	return p, nil
}
