package dispatch

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/observability"
)

const (
	admitInterval  = time.Minute
	restartBackoff = 5 * time.Second
	restartMax     = 10 * time.Minute
)

// Supervisor admits dispatchable accounts up to the fleet cap, runs one
// worker per account, and restarts workers that panic with exponential
// backoff. Before a worker is admitted its stale action records are
// reconciled so a crash never leaves a phantom in-flight action.
type Supervisor struct {
	deps        Deps
	maxAccounts int

	mu      sync.Mutex
	running bool
	fibers  map[string]context.CancelFunc
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates the fleet supervisor.
func NewSupervisor(deps Deps, maxAccounts int) *Supervisor {
	if maxAccounts <= 0 {
		maxAccounts = 100
	}
	return &Supervisor{
		deps:        deps,
		maxAccounts: maxAccounts,
		fibers:      map[string]context.CancelFunc{},
	}
}

// Start launches the admission loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("supervisor already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.run(ctx)
	log.Printf("[Supervisor] started (max %d accounts)", s.maxAccounts)
	return nil
}

// Stop halts admission and waits for every worker to drain.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Supervisor] stopped")
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(admitInterval)
	defer ticker.Stop()

	s.admit(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.admit(ctx)
		}
	}
}

// admit reconciles the worker set against the dispatchable accounts.
func (s *Supervisor) admit(ctx context.Context) {
	var accounts []domain.Account
	for _, status := range []domain.AccountStatus{domain.AccountWarming, domain.AccountActive} {
		batch, err := s.deps.Accounts.ListByStatus(ctx, status, "")
		if err != nil {
			log.Printf("[Supervisor] list %s accounts: %v", status, err)
			return
		}
		accounts = append(accounts, batch...)
	}

	s.updateFleetGauges(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	live := map[string]bool{}
	for i := range accounts {
		acct := accounts[i]
		live[acct.ID] = true
		if _, ok := s.fibers[acct.ID]; ok {
			continue
		}
		if len(s.fibers) >= s.maxAccounts {
			log.Printf("[Supervisor] fleet cap %d reached, account %s waits", s.maxAccounts, acct.ID)
			continue
		}
		s.launch(ctx, &acct)
	}

	// Cancel fibers for accounts that left the dispatchable states; their
	// loops also self-exit on the next refresh.
	for id, cancel := range s.fibers {
		if !live[id] {
			cancel()
		}
	}
}

// launch starts one worker fiber with crash recovery and panic restarts.
func (s *Supervisor) launch(ctx context.Context, acct *domain.Account) {
	if n, err := s.deps.Actions.RecoverStale(ctx, acct.ID); err != nil {
		log.Printf("[Supervisor] account %s: recover stale: %v", acct.ID, err)
		return
	} else if n > 0 {
		log.Printf("[Supervisor] account %s: recovered %d stale action(s)", acct.ID, n)
	}

	fctx, cancel := context.WithCancel(ctx)
	s.fibers[acct.ID] = cancel
	observability.DispatcherFibers.Set(float64(len(s.fibers)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.fibers, acct.ID)
			observability.DispatcherFibers.Set(float64(len(s.fibers)))
			s.mu.Unlock()
			cancel()
		}()

		backoff := restartBackoff
		for fctx.Err() == nil {
			if s.runGuarded(fctx, acct) {
				return // clean exit
			}
			log.Printf("[Supervisor] account %s worker crashed, restarting in %s", acct.ID, backoff)
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-fctx.Done():
				t.Stop()
				return
			}
			if backoff *= 2; backoff > restartMax {
				backoff = restartMax
			}
		}
	}()
}

// runGuarded runs the worker, converting panics into a restart signal.
func (s *Supervisor) runGuarded(ctx context.Context, acct *domain.Account) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Supervisor] account %s panic: %v\n%s", acct.ID, r, debug.Stack())
			clean = false
		}
	}()
	NewWorker(s.deps, acct).Run(ctx)
	return true
}

func (s *Supervisor) updateFleetGauges(ctx context.Context) {
	type counter interface {
		CountByStatus(ctx context.Context) (map[domain.AccountStatus]int, error)
	}
	c, ok := s.deps.Accounts.(counter)
	if !ok {
		return
	}
	counts, err := c.CountByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		observability.AccountsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
