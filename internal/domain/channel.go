package domain

import (
	"fmt"
	"time"
)

// TargetChannel is a third-party channel being monitored for new posts.
type TargetChannel struct {
	ID        string     `json:"id" db:"id"`
	Username  string     `json:"username" db:"username"`
	Segment   Segment    `json:"segment" db:"segment"`
	JoinedAt  *time.Time `json:"joined_at" db:"joined_at"`
	Active    bool       `json:"active" db:"active"`
	AntiBot   bool       `json:"anti_bot" db:"anti_bot"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// PostObservation is one observed channel post. ClaimedBy enforces the
// one-account-per-post exclusivity invariant via compare-and-set.
type PostObservation struct {
	ID              string     `json:"id" db:"id"`
	ChannelUsername string     `json:"channel_username" db:"channel_username"`
	MessageID       int64      `json:"message_id" db:"message_id"`
	SeenAt          time.Time  `json:"seen_at" db:"seen_at"`
	Topic           string     `json:"topic" db:"topic"`
	Excerpt         string     `json:"excerpt" db:"excerpt"`
	ClaimedBy       *string    `json:"claimed_by" db:"claimed_by"`
	ClaimedAt       *time.Time `json:"claimed_at" db:"claimed_at"`
}

// TargetRef renders the canonical target reference for action records.
func (p *PostObservation) TargetRef() string {
	return fmt.Sprintf("%s:%d", p.ChannelUsername, p.MessageID)
}

// Claimable reports whether the post is still inside the claim horizon.
func (p *PostObservation) Claimable(now time.Time, horizon time.Duration) bool {
	return p.ClaimedBy == nil && now.Sub(p.SeenAt) <= horizon
}

// Reply is a single reply or reaction observed under a channel post.
type Reply struct {
	MessageID    int64     `json:"message_id"`
	ReplyToID    int64     `json:"reply_to_id"` // 0 when the entry is a reaction
	FromPeer     string    `json:"from_peer"`
	Text         string    `json:"text"`
	IsReaction   bool      `json:"is_reaction"`
	ReactionEmoji string   `json:"reaction_emoji"`
	SentAt       time.Time `json:"sent_at"`
}
