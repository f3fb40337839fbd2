package domain

import (
	"time"
)

// ActionKind enumerates the closed set of outbound action types.
type ActionKind string

const (
	ActionComment    ActionKind = "comment"
	ActionReaction   ActionKind = "reaction"
	ActionSubscribe  ActionKind = "subscribe"
	ActionStoryView  ActionKind = "story_view"
	ActionStoryReact ActionKind = "story_react"
	ActionMessage    ActionKind = "message"
	ActionPost       ActionKind = "post"
)

// ActionKinds lists every action kind in deterministic order.
var ActionKinds = []ActionKind{
	ActionComment, ActionReaction, ActionSubscribe,
	ActionStoryView, ActionStoryReact, ActionMessage, ActionPost,
}

// ActionOutcome enumerates terminal outcomes of an action attempt.
type ActionOutcome string

const (
	OutcomeSuccess   ActionOutcome = "success"
	OutcomeError     ActionOutcome = "error"
	OutcomeFloodWait ActionOutcome = "flood_wait"
	OutcomeBlocked   ActionOutcome = "blocked"
)

// ErrorKind is the closed error taxonomy recorded on failed actions.
type ErrorKind string

const (
	ErrTransientNetwork  ErrorKind = "transient_network"
	ErrFloodWaitShort    ErrorKind = "flood_wait_short"
	ErrFloodWaitLong     ErrorKind = "flood_wait_long"
	ErrProxyFailure      ErrorKind = "proxy_failure"
	ErrRateLimitDenied   ErrorKind = "rate_limit_denied"
	ErrPeerNotAccessible ErrorKind = "peer_not_accessible"
	ErrContentRejected   ErrorKind = "content_rejected"
	ErrAuth              ErrorKind = "auth_error"
	ErrBanned            ErrorKind = "banned"
	ErrConfig            ErrorKind = "config_error"
	ErrPersistence       ErrorKind = "persistence_error"
	ErrRecovered         ErrorKind = "recovered" // started-without-finished found at restart
)

// ActionRecord is an append-only log entry for one executed (or attempted)
// action. Only outcome attribution mutates it after commit.
type ActionRecord struct {
	ID        string        `json:"id" db:"id"`
	AccountID string        `json:"account_id" db:"account_id"`
	Kind      ActionKind    `json:"kind" db:"kind"`
	TargetRef string        `json:"target_ref" db:"target_ref"` // "channel:msgid", "@user:storyid", ...
	StartedAt time.Time     `json:"started_at" db:"started_at"`
	FinishedAt *time.Time   `json:"finished_at" db:"finished_at"`
	Outcome   ActionOutcome `json:"outcome" db:"outcome"`
	ErrorKind *ErrorKind    `json:"error_kind" db:"error_kind"`

	// Comment-specific attribution fields.
	CommentMessageID *int64   `json:"comment_message_id" db:"comment_message_id"`
	StrategyUsed     *string  `json:"strategy_used" db:"strategy_used"`
	RelevanceScore   *float64 `json:"relevance_score" db:"relevance_score"`
	PostTopic        *string  `json:"post_topic" db:"post_topic"`
	GotReply         bool     `json:"got_reply" db:"got_reply"`
	ReplyCount       int      `json:"reply_count" db:"reply_count"`
}

// OutcomePending schedules a reply poll for a committed comment.
type OutcomePending struct {
	ActionID         string    `json:"action_id" db:"action_id"`
	AccountID        string    `json:"account_id" db:"account_id"`
	ChannelUsername  string    `json:"channel_username" db:"channel_username"`
	PostMessageID    int64     `json:"post_message_id" db:"post_message_id"`
	CommentMessageID int64     `json:"comment_message_id" db:"comment_message_id"`
	PollAt           time.Time `json:"poll_at" db:"poll_at"`
	Done             bool      `json:"done" db:"done"`
}
