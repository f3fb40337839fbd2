// Package spamcheck runs the periodic spam-bot self check for the fleet.
// Accounts the spam bot reports as limited are paused; banned verdicts
// retire the account immediately.
package spamcheck

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/pkg/distlock"
	"github.com/nlgrowth/traffic-engine/internal/pkg/logger"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
)

// Transport is the registry surface the checker calls through. TryInvoke
// keeps the sweep from queueing behind an in-flight dispatcher action; a
// busy session is retried on the next interval.
type Transport interface {
	TryInvoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error
}

// ProxyStore resolves proxy assignments.
type ProxyStore interface {
	Get(ctx context.Context, id string) (*domain.Proxy, error)
}

// checkedStatuses are the account states worth self-checking.
var checkedStatuses = []domain.AccountStatus{domain.AccountWarming, domain.AccountActive}

// Checker polls the spam bot for every dispatchable account on an interval.
type Checker struct {
	accounts  fleet.AccountRepository
	proxies   ProxyStore
	transport Transport
	lock      distlock.DistLock
	interval  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a spam checker.
func New(accounts fleet.AccountRepository, proxies ProxyStore, transport Transport, lock distlock.DistLock, interval time.Duration) *Checker {
	return &Checker{
		accounts:  accounts,
		proxies:   proxies,
		transport: transport,
		lock:      lock,
		interval:  interval,
	}
}

// Start launches the check loop.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	log.Printf("[SpamCheck] started, interval %s", c.interval)
}

// Stop halts the loop and waits for the in-flight sweep.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	log.Printf("[SpamCheck] stopped")
}

func (c *Checker) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[SpamCheck] sweep: %v", err)
			}
		}
	}
}

// Sweep checks every warming and active account once. Only one engine
// instance sweeps at a time.
func (c *Checker) Sweep(ctx context.Context) error {
	held, err := c.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !held {
		return nil
	}
	defer c.lock.Release(ctx)

	for _, status := range checkedStatuses {
		accounts, err := c.accounts.ListByStatus(ctx, status, "")
		if err != nil {
			return fmt.Errorf("list %s accounts: %w", status, err)
		}
		for i := range accounts {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.check(ctx, &accounts[i]); err != nil {
				log.Printf("[SpamCheck] account %s: %v", accounts[i].ID, err)
			}
		}
	}
	return nil
}

func (c *Checker) check(ctx context.Context, acct *domain.Account) error {
	var proxy *domain.Proxy
	if acct.ProxyID != nil {
		p, err := c.proxies.Get(ctx, *acct.ProxyID)
		if err != nil {
			return fmt.Errorf("resolve proxy: %w", err)
		}
		proxy = p
	}

	var status telegram.SpamStatus
	err := c.transport.TryInvoke(ctx, acct, proxy, func(ctx context.Context, cl telegram.Client) error {
		var err error
		status, err = cl.CheckSpamStatus(ctx)
		return err
	})
	if errors.Is(err, telegram.ErrSessionBusy) {
		// The dispatcher is mid-action on this session. Next sweep catches up.
		return nil
	}
	if err != nil {
		return fmt.Errorf("spam status: %w", err)
	}

	now := time.Now().UTC()
	verdict := verdictFor(status)
	if err := c.accounts.RecordSpamCheck(ctx, acct.ID, verdict, now); err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}

	switch verdict {
	case domain.SpamLimited:
		logger.Warn("spam verdict: limited, pausing account",
			"account", acct.ID, "phone", acct.Phone)
		if err := c.accounts.Transition(ctx, acct.ID, acct.Status, domain.AccountPaused); err != nil {
			return fmt.Errorf("pause account: %w", err)
		}
	case domain.SpamBanned:
		logger.Error("spam verdict: banned, retiring account",
			"account", acct.ID, "phone", acct.Phone)
		if err := c.accounts.MarkBanned(ctx, acct.ID, "spam bot verdict: banned"); err != nil {
			return fmt.Errorf("mark banned: %w", err)
		}
	}
	return nil
}

func verdictFor(s telegram.SpamStatus) domain.SpamVerdict {
	switch s {
	case telegram.SpamStatusLimited:
		return domain.SpamLimited
	case telegram.SpamStatusBanned:
		return domain.SpamBanned
	default:
		return domain.SpamOK
	}
}
