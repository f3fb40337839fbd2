package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// StrategyRepo persists the oracle's linear model parameters, the
// effectiveness aggregates, and the reward deduplication ledger.
type StrategyRepo struct{ db *sql.DB }

// NewStrategyRepo creates a Postgres-backed strategy repository.
func NewStrategyRepo(db *sql.DB) *StrategyRepo { return &StrategyRepo{db: db} }

// SaveModel stores the serialized LinUCB parameters for one strategy arm.
func (r *StrategyRepo) SaveModel(ctx context.Context, strategy domain.Strategy, params []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_strategy_models (strategy, params, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (strategy) DO UPDATE SET params = EXCLUDED.params, updated_at = NOW()
	`, strategy, params)
	if err != nil {
		return fmt.Errorf("save strategy model: %w", err)
	}
	return nil
}

// LoadModel returns the serialized parameters for one strategy arm.
// Returns fleet.ErrNotFound when the arm has never been persisted.
func (r *StrategyRepo) LoadModel(ctx context.Context, strategy domain.Strategy) ([]byte, error) {
	var params []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT params FROM traffic_strategy_models WHERE strategy = $1
	`, strategy).Scan(&params)
	if err == sql.ErrNoRows {
		return nil, fleet.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy model: %w", err)
	}
	return params, nil
}

// RecordAttempt upserts the effectiveness aggregate after an update, keeping
// score = weighted_successes / attempts.
func (r *StrategyRepo) RecordAttempt(ctx context.Context, c domain.StrategyContext, strategy domain.Strategy, reward float64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_strategy_effectiveness
			(segment, channel_username, strategy, time_slot, post_topic,
			 attempts, weighted_successes, score, last_updated)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6, $7)
		ON CONFLICT (segment, channel_username, strategy, time_slot, post_topic)
		DO UPDATE SET
			attempts = traffic_strategy_effectiveness.attempts + 1,
			weighted_successes = traffic_strategy_effectiveness.weighted_successes + EXCLUDED.weighted_successes,
			score = (traffic_strategy_effectiveness.weighted_successes + EXCLUDED.weighted_successes)
			        / (traffic_strategy_effectiveness.attempts + 1),
			last_updated = EXCLUDED.last_updated
	`, c.Segment, c.Channel, strategy, c.Slot, c.Topic, reward, at)
	if err != nil {
		return fmt.Errorf("record strategy attempt: %w", err)
	}
	return nil
}

// Attempts returns per-strategy attempt counts for one context cell, used by
// the cold-start check.
func (r *StrategyRepo) Attempts(ctx context.Context, c domain.StrategyContext) (map[domain.Strategy]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT strategy, attempts FROM traffic_strategy_effectiveness
		WHERE segment = $1 AND channel_username = $2 AND time_slot = $3 AND post_topic = $4
	`, c.Segment, c.Channel, c.Slot, c.Topic)
	if err != nil {
		return nil, fmt.Errorf("strategy attempts: %w", err)
	}
	defer rows.Close()

	out := map[domain.Strategy]int{}
	for rows.Next() {
		var s domain.Strategy
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan strategy attempts: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// ClaimReward records that a reward for action_id was consumed. Returns
// ErrDuplicateOutcome when the action was already rewarded, making oracle
// updates idempotent per action.
func (r *StrategyRepo) ClaimReward(ctx context.Context, actionID string) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO traffic_strategy_rewards (action_id, claimed_at)
		VALUES ($1, NOW())
		ON CONFLICT (action_id) DO NOTHING
	`, actionID)
	if err != nil {
		return fmt.Errorf("claim reward: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fleet.ErrDuplicateOutcome
	}
	return nil
}

// Effectiveness returns aggregates for one context cell ordered by score.
func (r *StrategyRepo) Effectiveness(ctx context.Context, c domain.StrategyContext) ([]domain.StrategyEffectiveness, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT segment, channel_username, strategy, time_slot, post_topic,
		       attempts, weighted_successes, score, last_updated
		FROM traffic_strategy_effectiveness
		WHERE segment = $1 AND channel_username = $2 AND time_slot = $3 AND post_topic = $4
		ORDER BY score DESC, strategy
	`, c.Segment, c.Channel, c.Slot, c.Topic)
	if err != nil {
		return nil, fmt.Errorf("strategy effectiveness: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyEffectiveness
	for rows.Next() {
		var e domain.StrategyEffectiveness
		if err := rows.Scan(
			&e.Segment, &e.ChannelUsername, &e.Strategy, &e.Slot, &e.Topic,
			&e.Attempts, &e.WeightedSuccess, &e.Score, &e.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan effectiveness: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
