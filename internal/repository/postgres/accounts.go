package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// AccountRepo implements fleet.AccountRepository against PostgreSQL.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `
	id, phone, session_blob, segment, persona_name, persona_bio,
	proxy_id, linked_channel_id, status, timezone,
	warmup_phase, day_in_phase, warmup_completed, last_planned_at,
	quiet_start_min, quiet_end_min,
	last_activity_at, cooldown_until, COALESCE(ban_reason,''),
	spam_status, spam_checked_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(
		&a.ID, &a.Phone, &a.SessionBlob, &a.Segment, &a.PersonaName, &a.PersonaBio,
		&a.ProxyID, &a.LinkedChannelID, &a.Status, &a.Timezone,
		&a.WarmupPhase, &a.DayInPhase, &a.WarmupCompleted, &a.LastPlannedAt,
		&a.QuietStartMin, &a.QuietEndMin,
		&a.LastActivityAt, &a.CooldownUntil, &a.BanReason,
		&a.SpamStatus, &a.SpamCheckedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM traffic_accounts WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepo) ListByStatus(ctx context.Context, status domain.AccountStatus, segment domain.Segment) ([]domain.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM traffic_accounts WHERE status = $1`
	args := []interface{}{status}
	if segment != "" {
		q += ` AND segment = $2`
		args = append(args, segment)
	}
	q += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AccountRepo) Transition(ctx context.Context, id string, from, to domain.AccountStatus) error {
	if !domain.ValidTransition(from, to) {
		return fleet.ErrInvalidTransition
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_accounts SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("transition account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) SetWarmupProgress(ctx context.Context, id string, phase, dayInPhase int, completed bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_accounts
		SET warmup_phase = $1, day_in_phase = $2, warmup_completed = $3,
		    last_planned_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`, phase, dayInPhase, completed, id)
	if err != nil {
		return fmt.Errorf("set warmup progress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) RecordSpamCheck(ctx context.Context, id string, verdict domain.SpamVerdict, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_accounts SET spam_status = $1, spam_checked_at = $2, updated_at = NOW()
		WHERE id = $3
	`, verdict, at, id)
	if err != nil {
		return fmt.Errorf("record spam check: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) MarkBanned(ctx context.Context, id string, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_accounts SET status = $1, ban_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status <> $1
	`, domain.AccountBanned, reason, id)
	if err != nil {
		return fmt.Errorf("mark banned: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) SetCooldown(ctx context.Context, id string, wake *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_accounts SET cooldown_until = $1, updated_at = NOW() WHERE id = $2
	`, wake, id)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) SetProxy(ctx context.Context, id string, proxyID *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_accounts SET proxy_id = $1, updated_at = NOW() WHERE id = $2
	`, proxyID, id)
	if err != nil {
		return fmt.Errorf("set proxy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE traffic_accounts SET last_activity_at = $1, updated_at = NOW() WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// CountByStatus returns per-status account counts for the fleet overview.
func (r *AccountRepo) CountByStatus(ctx context.Context) (map[domain.AccountStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM traffic_accounts GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := map[domain.AccountStatus]int{}
	for rows.Next() {
		var s domain.AccountStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}
