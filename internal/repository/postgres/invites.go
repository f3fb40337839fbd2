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

// InviteRepo stores invite links and funnel conversions.
type InviteRepo struct{ db *sql.DB }

// NewInviteRepo creates a Postgres-backed invite repository.
func NewInviteRepo(db *sql.DB) *InviteRepo { return &InviteRepo{db: db} }

func (r *InviteRepo) Create(ctx context.Context, l *domain.InviteLink) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_invite_links
			(id, target_channel_id, url, invite_hash, expire_at, usage_limit, status,
			 teaser_channel, teaser_message_id, auto_delete_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, l.ID, l.TargetChannelID, l.URL, l.InviteHash, l.ExpireAt, l.UsageLimit,
		l.Status, l.TeaserChannel, l.TeaserMessageID, l.AutoDeleteAt)
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (r *InviteRepo) AttachTeaser(ctx context.Context, id string, channel string, messageID int64, autoDeleteAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_invite_links
		SET teaser_channel = $1, teaser_message_id = $2, auto_delete_at = $3
		WHERE id = $4
	`, channel, messageID, autoDeleteAt, id)
	if err != nil {
		return fmt.Errorf("attach teaser: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

const inviteColumns = `
	id, target_channel_id, url, invite_hash, expire_at, usage_limit, status,
	total_uses, total_joins, COALESCE(teaser_channel,''), teaser_message_id,
	auto_delete_at, created_at`

func scanInvite(row interface{ Scan(...interface{}) error }) (*domain.InviteLink, error) {
	l := &domain.InviteLink{}
	err := row.Scan(
		&l.ID, &l.TargetChannelID, &l.URL, &l.InviteHash, &l.ExpireAt, &l.UsageLimit,
		&l.Status, &l.TotalUses, &l.TotalJoins, &l.TeaserChannel, &l.TeaserMessageID,
		&l.AutoDeleteAt, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ExpireDue transitions active links past their expire time to expired and
// returns them so the sweeper can revoke them on the transport side.
func (r *InviteRepo) ExpireDue(ctx context.Context, now time.Time) ([]domain.InviteLink, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE traffic_invite_links
		SET status = $1
		WHERE status = $2 AND expire_at <= $3
		RETURNING `+inviteColumns+`
	`, domain.InviteExpired, domain.InviteActive, now)
	if err != nil {
		return nil, fmt.Errorf("expire invites: %w", err)
	}
	defer rows.Close()

	var out []domain.InviteLink
	for rows.Next() {
		l, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// DueTeaserDeletions returns links whose teaser post should now be deleted.
func (r *InviteRepo) DueTeaserDeletions(ctx context.Context, now time.Time) ([]domain.InviteLink, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+inviteColumns+` FROM traffic_invite_links
		WHERE teaser_message_id IS NOT NULL AND auto_delete_at IS NOT NULL AND auto_delete_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due teaser deletions: %w", err)
	}
	defer rows.Close()

	var out []domain.InviteLink
	for rows.Next() {
		l, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ClearTeaser clears the teaser pointer after the post was deleted.
func (r *InviteRepo) ClearTeaser(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE traffic_invite_links SET teaser_message_id = NULL, auto_delete_at = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear teaser: %w", err)
	}
	return nil
}

// Revoke marks a link revoked on explicit admin action.
func (r *InviteRepo) Revoke(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_invite_links SET status = $1 WHERE id = $2 AND status = $3
	`, domain.InviteRevoked, id, domain.InviteActive)
	if err != nil {
		return fmt.Errorf("revoke invite: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

// FindActiveByHash resolves a join event's invite hash to a usable link.
func (r *InviteRepo) FindActiveByHash(ctx context.Context, hash string, at time.Time) (*domain.InviteLink, error) {
	l, err := scanInvite(r.db.QueryRowContext(ctx, `
		SELECT `+inviteColumns+` FROM traffic_invite_links
		WHERE invite_hash = $1 AND status = $2 AND expire_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`, hash, domain.InviteActive, at))
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find invite by hash: %w", err)
	}
	return l, nil
}

// RecordJoin increments usage counters and transitions to exhausted when the
// usage limit is reached, all in one statement.
func (r *InviteRepo) RecordJoin(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_invite_links
		SET total_uses = total_uses + 1,
		    total_joins = total_joins + 1,
		    status = CASE
		        WHEN usage_limit > 0 AND total_uses + 1 >= usage_limit THEN 'exhausted'
		        ELSE status
		    END
		WHERE id = $1 AND status = $2
	`, id, domain.InviteActive)
	if err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *InviteRepo) CreateConversion(ctx context.Context, c *domain.FunnelConversion) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_funnel_conversions
			(id, user_id, invite_link_id, source_channel_id, joined_at, verified_as_partner, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, invite_link_id) DO NOTHING
	`, c.ID, c.UserID, c.InviteLinkID, c.SourceChannelID, c.JoinedAt, c.VerifiedAsPartner, c.Status)
	if err != nil {
		return fmt.Errorf("create conversion: %w", err)
	}
	return nil
}

// MarkVerified flips verified_as_partner once the async partner check lands.
func (r *InviteRepo) MarkVerified(ctx context.Context, conversionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_funnel_conversions
		SET verified_as_partner = true, status = $1
		WHERE id = $2
	`, domain.ConversionVerified, conversionID)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}
