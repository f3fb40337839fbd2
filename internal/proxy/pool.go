// Package proxy assigns pool proxies to accounts and parks failing ones.
// Each proxy serves at most one account; three consecutive failures send a
// proxy into an exponentially growing cooldown and the account gets a
// replacement on its next acquire.
package proxy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/observability"
)

// failureThreshold is the consecutive-failure count that triggers a cooldown.
const failureThreshold = 3

// Store is the persistence the pool needs; *postgres.ProxyRepo satisfies it.
type Store interface {
	Reserve(ctx context.Context, accountID string, excludeID string, now time.Time) (*domain.Proxy, error)
	Release(ctx context.Context, accountID string) error
	RecordFailure(ctx context.Context, proxyID string, at time.Time) (int, error)
	RecordSuccess(ctx context.Context, proxyID string) error
	Cooldown(ctx context.Context, proxyID string, until time.Time) error
	Get(ctx context.Context, id string) (*domain.Proxy, error)
	CountInCooldown(ctx context.Context, now time.Time) (int, error)
}

// Pool hands out proxies and applies the failure policy.
type Pool struct {
	store        Store
	cooldownBase time.Duration
	cooldownMax  time.Duration
	now          func() time.Time
}

// NewPool creates a proxy pool. cooldownBase doubles per threshold breach up
// to cooldownMax.
func NewPool(store Store, cooldownBase, cooldownMax time.Duration) *Pool {
	if cooldownBase <= 0 {
		cooldownBase = 5 * time.Minute
	}
	if cooldownMax <= 0 {
		cooldownMax = 2 * time.Hour
	}
	return &Pool{
		store:        store,
		cooldownBase: cooldownBase,
		cooldownMax:  cooldownMax,
		now:          time.Now,
	}
}

// Acquire reserves a proxy for the account, never handing back excludeID
// (the proxy the account is replacing).
func (p *Pool) Acquire(ctx context.Context, accountID, excludeID string) (*domain.Proxy, error) {
	proxy, err := p.store.Reserve(ctx, accountID, excludeID, p.now())
	if err != nil {
		return nil, fmt.Errorf("acquire proxy: %w", err)
	}
	return proxy, nil
}

// Get fetches a proxy by ID.
func (p *Pool) Get(ctx context.Context, id string) (*domain.Proxy, error) {
	return p.store.Get(ctx, id)
}

// Release detaches the account's proxy, returning it to the pool.
func (p *Pool) Release(ctx context.Context, accountID string) error {
	return p.store.Release(ctx, accountID)
}

// ReportSuccess resets the proxy's consecutive failure count.
func (p *Pool) ReportSuccess(ctx context.Context, proxyID string) error {
	return p.store.RecordSuccess(ctx, proxyID)
}

// ReportFailure records one failure. When the consecutive count reaches the
// threshold the proxy is detached and parked; the returned bool tells the
// caller its account needs a replacement.
func (p *Pool) ReportFailure(ctx context.Context, proxyID string) (parked bool, err error) {
	failures, err := p.store.RecordFailure(ctx, proxyID, p.now())
	if err != nil {
		return false, fmt.Errorf("record proxy failure: %w", err)
	}
	if failures < failureThreshold {
		return false, nil
	}

	cool := p.cooldownFor(failures)
	until := p.now().Add(cool)
	if err := p.store.Cooldown(ctx, proxyID, until); err != nil {
		return false, fmt.Errorf("park proxy: %w", err)
	}
	log.Printf("[ProxyPool] proxy %s parked for %s after %d consecutive failures", proxyID, cool, failures)

	if n, err := p.store.CountInCooldown(ctx, p.now()); err == nil {
		observability.ProxiesInCooldown.Set(float64(n))
	}
	return true, nil
}

// cooldownFor doubles the base per failure past the threshold, capped.
func (p *Pool) cooldownFor(failures int) time.Duration {
	cool := p.cooldownBase
	for i := failureThreshold; i < failures; i++ {
		cool *= 2
		if cool >= p.cooldownMax {
			return p.cooldownMax
		}
	}
	if cool > p.cooldownMax {
		cool = p.cooldownMax
	}
	return cool
}
