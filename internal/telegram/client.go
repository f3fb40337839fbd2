// Package telegram defines the transport capability surface the engine
// depends on and the session registry that mediates every call.
//
// The engine never talks to Telegram directly: the dispatcher, monitor,
// poller, and funnel all go through Registry, which serializes calls per
// session and absorbs short flood waits. The shipped Client implementation
// (gateway.go) bridges to the MTProto session gateway sidecar over HTTP;
// tests use fakes.
package telegram

import (
	"context"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// Invite is the transport-side result of creating an invite link.
type Invite struct {
	URL        string
	Hash       string
	ExpireAt   time.Time
	UsageLimit int
}

// SpamStatus is the verdict of a spam-bot self check.
type SpamStatus string

const (
	SpamStatusOK      SpamStatus = "ok"
	SpamStatusLimited SpamStatus = "limited"
	SpamStatusBanned  SpamStatus = "banned"
)

// Client is the narrow capability set one logical session exposes. Each call
// blocks the calling goroutine. Implementations report failures through the
// error taxonomy in errors.go; the registry and the dispatcher classify on it.
type Client interface {
	// SendComment publishes a comment under a channel post and returns the
	// new message id.
	SendComment(ctx context.Context, channel string, postID int64, text string) (int64, error)

	// ViewStory marks a story as viewed.
	ViewStory(ctx context.Context, owner string, storyID int64) error

	// React puts an emoji reaction on a message or story.
	React(ctx context.Context, target string, emoji string) error

	// Subscribe joins a channel.
	Subscribe(ctx context.Context, channel string) error

	// SendDirect sends a direct message to a peer.
	SendDirect(ctx context.Context, peer string, text string) error

	// PublishPost publishes a post to a channel the account controls and
	// returns the message id.
	PublishPost(ctx context.Context, channelID int64, text string) (int64, error)

	// CreateInviteLink issues a time- and usage-limited invite to a channel.
	CreateInviteLink(ctx context.Context, channelID int64, expire time.Time, usageLimit int) (*Invite, error)

	// RevokeInviteLink revokes a previously issued invite.
	RevokeInviteLink(ctx context.Context, channelID int64, hash string) error

	// DeleteMessage removes a message from a channel.
	DeleteMessage(ctx context.Context, channel string, messageID int64) error

	// FetchReplies returns replies and reactions under a channel post since
	// the given time.
	FetchReplies(ctx context.Context, channel string, postID int64, since time.Time) ([]domain.Reply, error)

	// FetchPosts returns the most recent posts of a channel, newest first.
	FetchPosts(ctx context.Context, channel string, limit int) ([]Post, error)

	// CheckSpamStatus asks the spam bot for the account's standing.
	CheckSpamStatus(ctx context.Context) (SpamStatus, error)

	// Close releases the session transport.
	Close() error
}

// Post is a transport-side channel post as seen by the monitor.
type Post struct {
	MessageID int64
	Text      string
	PostedAt  time.Time
}

// Dialer opens a transport session for an account using its decrypted
// session material and the assigned proxy. The engine owns at most one live
// Client per account at a time.
type Dialer interface {
	Dial(ctx context.Context, acct *domain.Account, session []byte, proxy *domain.Proxy) (Client, error)
}

// JoinEvent is one membership update on a gated channel, consumed by the
// funnel manager for invite attribution.
type JoinEvent struct {
	ChannelID  int64
	UserID     int64
	InviteHash string
	JoinedAt   time.Time
}

// JoinStream delivers membership updates for the VIP channel.
type JoinStream interface {
	// Joins returns the channel of membership updates. The stream closes it
	// on shutdown.
	Joins() <-chan JoinEvent
}
