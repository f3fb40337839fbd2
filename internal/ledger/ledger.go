// Package ledger implements the fleet's authoritative per-account-per-day
// action counters on Redis. Increments are atomic Lua check-and-set: the
// ledger never grants an action without the counter already committed, and a
// denial mutates nothing.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// counterTTLSeconds keeps day counters for 7 days; older keys expire on their
// own, which is the ledger's compaction.
const counterTTLSeconds = 7 * 24 * 3600

// Lua script for atomic conditional increment.
// Checks counter+inc <= limit BEFORE incrementing; on denial nothing mutates.
const incrLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Ledger provides atomic daily rate accounting keyed by
// (account, action kind, account-local date).
type Ledger struct {
	redis      *redis.Client
	clock      Clock
	defaultLoc *time.Location

	incrScript *redis.Script
}

// New creates a ledger over the given Redis client. defaultLoc is the
// fleet-default timezone used when an account carries none.
func New(client *redis.Client, clock Clock, defaultLoc *time.Location) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Ledger{
		redis:      client,
		clock:      clock,
		defaultLoc: defaultLoc,
		incrScript: redis.NewScript(incrLuaScript),
	}
}

// NewFromURL creates a ledger by connecting to Redis.
func NewFromURL(redisURL string, clock Clock, defaultLoc *time.Location) (*Ledger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, clock, defaultLoc), nil
}

// Now returns the ledger's current time. The ledger is the engine's single
// time source so tests can steer the clock.
func (l *Ledger) Now() time.Time { return l.clock.Now() }

// LocalDay returns the account-local calendar date for the given instant.
// Actions crossing midnight are credited to their start day: callers resolve
// the key once, before the transport call.
func (l *Ledger) LocalDay(acct *domain.Account, at time.Time) string {
	return at.In(acct.Location(l.defaultLoc)).Format("2006-01-02")
}

func (l *Ledger) key(accountID string, kind domain.ActionKind, day string) string {
	return fmt.Sprintf("traffic:rate:%s:%s:%s", accountID, kind, day)
}

// TryIncrement atomically increments the day counter if counter+1 <= limit.
// Returns granted=false with no mutation otherwise. The day boundary is the
// account's local midnight.
func (l *Ledger) TryIncrement(ctx context.Context, acct *domain.Account, kind domain.ActionKind, limit int) (granted bool, current int, err error) {
	day := l.LocalDay(acct, l.clock.Now())
	result, err := l.incrScript.Run(ctx, l.redis,
		[]string{l.key(acct.ID, kind, day)},
		1, limit, counterTTLSeconds,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ledger increment: %w", err)
	}

	grantedInt := result[0].(int64)
	value := result[1].(int64)
	return grantedInt == 1, int(value), nil
}

// DailyCounter returns today's committed count for the account and kind.
func (l *Ledger) DailyCounter(ctx context.Context, acct *domain.Account, kind domain.ActionKind) (int, error) {
	day := l.LocalDay(acct, l.clock.Now())
	n, err := l.redis.Get(ctx, l.key(acct.ID, kind, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger read: %w", err)
	}
	return n, nil
}

// DailyCounters returns today's counts for every action kind in one pipeline.
func (l *Ledger) DailyCounters(ctx context.Context, acct *domain.Account) (map[domain.ActionKind]int, error) {
	day := l.LocalDay(acct, l.clock.Now())

	pipe := l.redis.Pipeline()
	cmds := make(map[domain.ActionKind]*redis.StringCmd, len(domain.ActionKinds))
	for _, kind := range domain.ActionKinds {
		cmds[kind] = pipe.Get(ctx, l.key(acct.ID, kind, day))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("ledger pipeline: %w", err)
	}

	out := make(map[domain.ActionKind]int, len(cmds))
	for kind, cmd := range cmds {
		n, err := cmd.Int()
		if err == redis.Nil {
			n = 0
		} else if err != nil {
			return nil, fmt.Errorf("ledger read %s: %w", kind, err)
		}
		out[kind] = n
	}
	return out, nil
}

// Close closes the Redis connection.
func (l *Ledger) Close() error {
	return l.redis.Close()
}
