package warmup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// Budget is one account's action allowance for today.
type Budget struct {
	Quotas   map[domain.ActionKind]int
	MinDelay time.Duration
	MaxDelay time.Duration
	Quiet    QuietWindow
}

// Remaining returns quota minus used, floored at zero.
func (b *Budget) Remaining(kind domain.ActionKind, used int) int {
	r := b.Quotas[kind] - used
	if r < 0 {
		return 0
	}
	return r
}

// Planner derives daily action budgets and advances warming accounts through
// the staged plan. It never exceeds the reference table or the configured
// hard ceilings.
type Planner struct {
	accounts     fleet.AccountRepository
	defaultLoc   *time.Location
	hardCeilings map[domain.ActionKind]int
	defaultQuiet QuietWindow

	// Delay range for accounts that finished warmup.
	activeMinDelay time.Duration
	activeMaxDelay time.Duration
}

// NewPlanner creates a planner. hardCeilings caps every budget regardless of
// the warmup table.
func NewPlanner(accounts fleet.AccountRepository, defaultLoc *time.Location, hardCeilings map[domain.ActionKind]int, defaultQuiet QuietWindow) *Planner {
	return &Planner{
		accounts:       accounts,
		defaultLoc:     defaultLoc,
		hardCeilings:   hardCeilings,
		defaultQuiet:   defaultQuiet,
		activeMinDelay: 60 * time.Second,
		activeMaxDelay: 240 * time.Second,
	}
}

// QuietFor resolves the account's quiet window, honoring per-account overrides.
func (p *Planner) QuietFor(acct *domain.Account) QuietWindow {
	w := p.defaultQuiet
	if acct.QuietStartMin != nil {
		w.StartMin = *acct.QuietStartMin
	}
	if acct.QuietEndMin != nil {
		w.EndMin = *acct.QuietEndMin
	}
	return w
}

// BudgetFor computes today's budget for the account, advancing the warmup
// plan first when a new local day has started. The returned account reflects
// any advance. Completing phase 4 transitions warming → active.
func (p *Planner) BudgetFor(ctx context.Context, acct *domain.Account, now time.Time) (*Budget, error) {
	if acct.Status == domain.AccountWarming {
		if err := p.advanceIfNewDay(ctx, acct, now); err != nil {
			return nil, err
		}
	}

	quotas := make(map[domain.ActionKind]int, len(domain.ActionKinds))
	var minDelay, maxDelay time.Duration

	if acct.Status == domain.AccountWarming {
		row := LimitsFor(acct.WarmupPhase, acct.DayInPhase)
		for _, kind := range domain.ActionKinds {
			quotas[kind] = capQuota(row.Quota(kind), p.hardCeilings[kind])
		}
		minDelay = time.Duration(row.MinDelaySeconds) * time.Second
		maxDelay = time.Duration(row.MaxDelaySeconds) * time.Second
	} else {
		// Active accounts run at the configured ceilings.
		for _, kind := range domain.ActionKinds {
			quotas[kind] = p.hardCeilings[kind]
		}
		minDelay = p.activeMinDelay
		maxDelay = p.activeMaxDelay
	}

	return &Budget{
		Quotas:   quotas,
		MinDelay: minDelay,
		MaxDelay: maxDelay,
		Quiet:    p.QuietFor(acct),
	}, nil
}

func capQuota(tableQuota, ceiling int) int {
	if ceiling > 0 && tableQuota > ceiling {
		return ceiling
	}
	return tableQuota
}

// advanceIfNewDay moves the plan forward once per account-local day.
func (p *Planner) advanceIfNewDay(ctx context.Context, acct *domain.Account, now time.Time) error {
	loc := acct.Location(p.defaultLoc)
	today := now.In(loc).Format("2006-01-02")

	if acct.LastPlannedAt != nil && acct.LastPlannedAt.In(loc).Format("2006-01-02") == today {
		return nil
	}

	if acct.LastPlannedAt == nil {
		// First plan ever: stamp today without advancing.
		if err := p.accounts.SetWarmupProgress(ctx, acct.ID, acct.WarmupPhase, acct.DayInPhase, false); err != nil {
			return fmt.Errorf("stamp first plan: %w", err)
		}
		acct.LastPlannedAt = &now
		return nil
	}

	phase, day := acct.WarmupPhase, acct.DayInPhase+1
	completed := false
	if day > PhaseLengths[phase-1] {
		if phase >= len(PhaseLengths) {
			// Past the last day of phase 4: plan complete. day_in_phase
			// exceeds the phase length by design of the completion invariant.
			completed = true
		} else {
			phase++
			day = 1
		}
	}

	if err := p.accounts.SetWarmupProgress(ctx, acct.ID, phase, day, completed); err != nil {
		return fmt.Errorf("advance warmup: %w", err)
	}
	acct.WarmupPhase, acct.DayInPhase, acct.WarmupCompleted = phase, day, completed
	acct.LastPlannedAt = &now

	if completed {
		if err := p.accounts.Transition(ctx, acct.ID, domain.AccountWarming, domain.AccountActive); err != nil {
			return fmt.Errorf("activate after warmup: %w", err)
		}
		acct.Status = domain.AccountActive
		log.Printf("[WarmupPlanner] account %s completed warmup, now active", acct.ID)
	}
	return nil
}
