package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// ProxyRepo stores proxy endpoints and their failure accounting.
// Reservation is a single conditional UPDATE picking the least-recently-failed
// available row, so concurrent acquisitions are serialized by the database.
type ProxyRepo struct{ db *sql.DB }

// NewProxyRepo creates a Postgres-backed proxy repository.
func NewProxyRepo(db *sql.DB) *ProxyRepo { return &ProxyRepo{db: db} }

const proxyColumns = `
	id, endpoint, kind, COALESCE(username,''), COALESCE(password,''),
	in_use_by, consecutive_failures, cooldown_until, last_failed_at, created_at`

func scanProxy(row interface{ Scan(...interface{}) error }) (*domain.Proxy, error) {
	p := &domain.Proxy{}
	err := row.Scan(
		&p.ID, &p.Endpoint, &p.Kind, &p.Username, &p.Password,
		&p.InUseBy, &p.ConsecutiveFailures, &p.CooldownUntil, &p.LastFailedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Reserve atomically assigns the best available proxy to the account.
// excludeID skips a proxy the account must not rebind to inside its cooldown
// window. Returns ErrNoEligibleTarget when the pool is exhausted.
func (r *ProxyRepo) Reserve(ctx context.Context, accountID string, excludeID string, now time.Time) (*domain.Proxy, error) {
	p, err := scanProxy(r.db.QueryRowContext(ctx, `
		UPDATE traffic_proxies
		SET in_use_by = $1
		WHERE id = (
			SELECT id FROM traffic_proxies
			WHERE in_use_by IS NULL
			  AND (cooldown_until IS NULL OR cooldown_until <= $2)
			  AND ($3 = '' OR id <> $3)
			ORDER BY last_failed_at NULLS FIRST, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+proxyColumns+`
	`, accountID, now, excludeID))
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNoEligibleTarget
	}
	if err != nil {
		return nil, fmt.Errorf("reserve proxy: %w", err)
	}
	return p, nil
}

// Release frees whatever proxy the account currently holds.
func (r *ProxyRepo) Release(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE traffic_proxies SET in_use_by = NULL WHERE in_use_by = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("release proxy: %w", err)
	}
	return nil
}

// RecordFailure increments the consecutive failure counter and returns the
// new count so the pool can decide on a cooldown.
func (r *ProxyRepo) RecordFailure(ctx context.Context, proxyID string, at time.Time) (int, error) {
	var failures int
	err := r.db.QueryRowContext(ctx, `
		UPDATE traffic_proxies
		SET consecutive_failures = consecutive_failures + 1, last_failed_at = $1
		WHERE id = $2
		RETURNING consecutive_failures
	`, at, proxyID).Scan(&failures)
	if err == sql.ErrNoRows {
		return 0, fleet.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record proxy failure: %w", err)
	}
	return failures, nil
}

// RecordSuccess resets the consecutive failure counter.
func (r *ProxyRepo) RecordSuccess(ctx context.Context, proxyID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE traffic_proxies SET consecutive_failures = 0 WHERE id = $1
	`, proxyID)
	if err != nil {
		return fmt.Errorf("record proxy success: %w", err)
	}
	return nil
}

// Cooldown parks the proxy until wake and detaches it from its account.
func (r *ProxyRepo) Cooldown(ctx context.Context, proxyID string, until time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE traffic_proxies
		SET cooldown_until = $1, in_use_by = NULL, consecutive_failures = 0
		WHERE id = $2
	`, until, proxyID)
	if err != nil {
		return fmt.Errorf("cooldown proxy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

// Get returns a single proxy row.
func (r *ProxyRepo) Get(ctx context.Context, id string) (*domain.Proxy, error) {
	p, err := scanProxy(r.db.QueryRowContext(ctx, `
		SELECT `+proxyColumns+` FROM traffic_proxies WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy: %w", err)
	}
	return p, nil
}

// CountInCooldown returns how many proxies are currently parked.
func (r *ProxyRepo) CountInCooldown(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM traffic_proxies WHERE cooldown_until > $1
	`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cooldown proxies: %w", err)
	}
	return n, nil
}
