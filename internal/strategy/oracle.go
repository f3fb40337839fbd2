// Package strategy selects comment-generation styles with a contextual
// bandit: LinUCB over (segment, time slot, topic) features, with an
// epsilon-greedy exploration floor and a uniform cold-start regime while a
// context cell is still under-sampled. Rewards arrive asynchronously from
// the reply poller and are deduplicated per action.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// Repository is the persistence the oracle needs. *postgres.StrategyRepo
// satisfies it.
type Repository interface {
	SaveModel(ctx context.Context, strategy domain.Strategy, params []byte) error
	LoadModel(ctx context.Context, strategy domain.Strategy) ([]byte, error)
	RecordAttempt(ctx context.Context, c domain.StrategyContext, strategy domain.Strategy, reward float64, at time.Time) error
	Attempts(ctx context.Context, c domain.StrategyContext) (map[domain.Strategy]int, error)
	ClaimReward(ctx context.Context, actionID string) error
}

// Options tune the oracle. Zero values take the listed defaults.
type Options struct {
	Epsilon            float64 // exploration rate, default 0.2
	ColdStartThreshold int     // per-arm attempts before UCB engages, default 5
	Alpha              float64 // UCB confidence width, default 1.0
	Rand               *rand.Rand
}

// Oracle is safe for concurrent use; arm state is guarded by a single mutex
// since updates are rare (one per polled comment).
type Oracle struct {
	repo      Repository
	epsilon   float64
	coldStart int

	mu   sync.Mutex
	arms map[domain.Strategy]*linModel
	rnd  *rand.Rand
}

// New loads persisted arm models (fresh arms for any never saved) and
// returns a ready oracle.
func New(ctx context.Context, repo Repository, opts Options) (*Oracle, error) {
	if opts.Epsilon <= 0 {
		opts.Epsilon = 0.2
	}
	if opts.ColdStartThreshold <= 0 {
		opts.ColdStartThreshold = 5
	}
	if opts.Alpha <= 0 {
		opts.Alpha = 1.0
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	o := &Oracle{
		repo:      repo,
		epsilon:   opts.Epsilon,
		coldStart: opts.ColdStartThreshold,
		arms:      make(map[domain.Strategy]*linModel, len(domain.StrategySet)),
		rnd:       opts.Rand,
	}
	for _, s := range domain.StrategySet {
		data, err := repo.LoadModel(ctx, s)
		if errors.Is(err, fleet.ErrNotFound) {
			o.arms[s] = newLinModel(featureDim, opts.Alpha)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load arm %s: %w", s, err)
		}
		m, err := unmarshalModel(data, opts.Alpha)
		if err != nil {
			log.Printf("[StrategyOracle] discarding stored model for %s: %v", s, err)
			m = newLinModel(featureDim, opts.Alpha)
		}
		o.arms[s] = m
	}
	return o, nil
}

// Select picks the strategy for one comment in the given context.
func (o *Oracle) Select(ctx context.Context, c domain.StrategyContext) (domain.Strategy, error) {
	attempts, err := o.repo.Attempts(ctx, c)
	if err != nil {
		return "", fmt.Errorf("select strategy: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Cold start: while any arm in this cell is under-sampled, explore the
	// under-sampled arms uniformly.
	var cold []domain.Strategy
	for _, s := range domain.StrategySet {
		if attempts[s] < o.coldStart {
			cold = append(cold, s)
		}
	}
	if len(cold) > 0 {
		return cold[o.rnd.Intn(len(cold))], nil
	}

	// Epsilon exploration over the full set.
	if o.rnd.Float64() < o.epsilon {
		return domain.StrategySet[o.rnd.Intn(len(domain.StrategySet))], nil
	}

	// Exploit: highest UCB score, ties broken by canonical strategy order.
	x := featurize(c)
	best := domain.StrategySet[0]
	bestScore := o.arms[best].score(x)
	for _, s := range domain.StrategySet[1:] {
		if score := o.arms[s].score(x); score > bestScore {
			best, bestScore = s, score
		}
	}
	return best, nil
}

// Update applies a polled reward to the chosen arm and the effectiveness
// aggregates. It is idempotent per actionID: a second call for the same
// action is a no-op.
func (o *Oracle) Update(ctx context.Context, actionID string, c domain.StrategyContext, strategy domain.Strategy, reward float64) error {
	if err := o.repo.ClaimReward(ctx, actionID); err != nil {
		if errors.Is(err, fleet.ErrDuplicateOutcome) {
			return nil
		}
		return fmt.Errorf("update strategy: %w", err)
	}

	o.mu.Lock()
	arm, ok := o.arms[strategy]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("update strategy: unknown arm %q", strategy)
	}
	arm.update(featurize(c), reward)
	data, err := arm.marshal()
	o.mu.Unlock()
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}

	if err := o.repo.SaveModel(ctx, strategy, data); err != nil {
		return err
	}
	if err := o.repo.RecordAttempt(ctx, c, strategy, reward, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}
