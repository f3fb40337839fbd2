package fleet

import (
	"context"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// AccountRepository defines the data access contract for fleet accounts.
// Implementations must be safe for concurrent use.
type AccountRepository interface {
	// Get returns a single account. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Account, error)

	// ListByStatus returns accounts with the given status, optionally filtered
	// by segment (empty segment matches all).
	ListByStatus(ctx context.Context, status domain.AccountStatus, segment domain.Segment) ([]domain.Account, error)

	// Transition moves an account from one status to another with a
	// compare-and-set on the current status. Returns ErrInvalidTransition if
	// the state machine forbids it, ErrNotFound if the CAS misses.
	Transition(ctx context.Context, id string, from, to domain.AccountStatus) error

	// SetWarmupProgress persists the planner's phase/day advance.
	SetWarmupProgress(ctx context.Context, id string, phase, dayInPhase int, completed bool) error

	// RecordSpamCheck stores the latest spam self-check verdict.
	RecordSpamCheck(ctx context.Context, id string, verdict domain.SpamVerdict, at time.Time) error

	// MarkBanned transitions the account to banned with a reason. Banned is
	// terminal until manual reset, so no CAS on the previous status.
	MarkBanned(ctx context.Context, id string, reason string) error

	// SetCooldown parks the account until wake. A nil wake clears the cooldown.
	SetCooldown(ctx context.Context, id string, wake *time.Time) error

	// SetProxy records the account's current proxy assignment (nil clears it).
	SetProxy(ctx context.Context, id string, proxyID *string) error

	// TouchActivity updates last_activity_at.
	TouchActivity(ctx context.Context, id string, at time.Time) error
}

// ActionRepository is the append-only action log. Records are only mutated by
// completion and outcome attribution.
type ActionRepository interface {
	// Append inserts a started action record.
	Append(ctx context.Context, rec *domain.ActionRecord) error

	// Get returns one record. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.ActionRecord, error)

	// Finish marks the record's terminal outcome.
	Finish(ctx context.Context, id string, outcome domain.ActionOutcome, errKind *domain.ErrorKind, finishedAt time.Time) error

	// SetCommentResult stores the published comment's message id and strategy metadata.
	SetCommentResult(ctx context.Context, id string, messageID int64, strategy domain.Strategy, topic string) error

	// AttributeOutcome records reply feedback on a committed comment record.
	AttributeOutcome(ctx context.Context, id string, gotReply bool, replyCount int) error

	// RecoverStale marks started-without-finished records as error/recovered.
	// Called once at startup before account workers are admitted.
	RecoverStale(ctx context.Context, accountID string) (int, error)

	// CommentExists reports whether a comment action already targets ref.
	CommentExists(ctx context.Context, targetRef string) (bool, error)

	// ListRecent returns the account's most recent records, newest first.
	ListRecent(ctx context.Context, accountID string, limit int) ([]domain.ActionRecord, error)

	// ErrorDigest groups recent error outcomes by error kind.
	ErrorDigest(ctx context.Context, since time.Time, limit, offset int) ([]ErrorGroup, error)

	// CountByOutcome tallies today's outcomes across the fleet.
	CountByOutcome(ctx context.Context, since time.Time) (map[domain.ActionOutcome]int, error)
}

// ErrorGroup is one row of the operator error digest.
type ErrorGroup struct {
	ErrorKind domain.ErrorKind `json:"error_kind"`
	Count     int              `json:"count"`
	LastSeen  time.Time        `json:"last_seen"`
	Sample    string           `json:"sample_target_ref"`
}

// PostRepository stores channel post observations and enforces the
// one-account-per-post claim.
type PostRepository interface {
	// Observe inserts a new observation; duplicate (channel, message_id) pairs
	// are ignored. Returns true if the row was inserted.
	Observe(ctx context.Context, p *domain.PostObservation) (bool, error)

	// Claim atomically sets claimed_by from NULL to accountID. Returns
	// ErrClaimDenied when another account won or the horizon passed.
	Claim(ctx context.Context, postID, accountID string, horizon time.Duration) error

	// NextUnclaimed returns the newest unclaimed post within the horizon for
	// channels of the given segment. Returns ErrNoEligibleTarget when empty.
	NextUnclaimed(ctx context.Context, segment domain.Segment, horizon time.Duration) (*domain.PostObservation, error)
}

// ChannelRepository stores the monitored third-party channels.
type ChannelRepository interface {
	// ListActive returns active target channels, optionally by segment.
	ListActive(ctx context.Context, segment domain.Segment) ([]domain.TargetChannel, error)

	// NextUnjoined returns an active channel the account has not subscribed to.
	NextUnjoined(ctx context.Context, accountID string, segment domain.Segment) (*domain.TargetChannel, error)

	// MarkJoined records that the account subscribed to the channel.
	MarkJoined(ctx context.Context, channelID, accountID string, at time.Time) error

	// StoryOwners returns peers in the segment cohort whose stories the
	// account may view, round-robin over least recently viewed.
	StoryOwners(ctx context.Context, accountID string, segment domain.Segment, limit int) ([]string, error)
}

// OutcomeRepository schedules and consumes reply polls for comments.
type OutcomeRepository interface {
	// Enqueue schedules a poll for a committed comment.
	Enqueue(ctx context.Context, o *domain.OutcomePending) error

	// Due returns pending polls with poll_at <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]domain.OutcomePending, error)

	// MarkDone completes a poll so it is never consumed again.
	MarkDone(ctx context.Context, actionID string) error
}

// ContentRepository is the scheduled content queue for message/post actions.
type ContentRepository interface {
	// NextDue returns the next content item due for the account, honoring
	// one-shot publish_at rows and recurring cron rows.
	NextDue(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind, now time.Time) (*domain.ContentItem, error)

	// MarkRun records a completed run (one-shot rows deactivate).
	MarkRun(ctx context.Context, id string, at time.Time) error
}
