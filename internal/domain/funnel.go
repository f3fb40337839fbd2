package domain

import (
	"time"
)

// InviteStatus enumerates the lifecycle of a temporary invite link.
type InviteStatus string

const (
	InviteActive    InviteStatus = "active"
	InviteExpired   InviteStatus = "expired"
	InviteRevoked   InviteStatus = "revoked"
	InviteExhausted InviteStatus = "exhausted"
)

// InviteLink is a time- and usage-limited invite into a gated VIP channel,
// published through a teaser post in a public channel.
type InviteLink struct {
	ID              string       `json:"id" db:"id"`
	TargetChannelID int64        `json:"target_channel_id" db:"target_channel_id"`
	URL             string       `json:"url" db:"url"`
	InviteHash      string       `json:"invite_hash" db:"invite_hash"`
	ExpireAt        time.Time    `json:"expire_at" db:"expire_at"`
	UsageLimit      int          `json:"usage_limit" db:"usage_limit"`
	Status          InviteStatus `json:"status" db:"status"`
	TotalUses       int          `json:"total_uses" db:"total_uses"`
	TotalJoins      int          `json:"total_joins" db:"total_joins"`

	// Teaser post published alongside the link; deleted at AutoDeleteAt.
	TeaserChannel   string     `json:"teaser_channel" db:"teaser_channel"`
	TeaserMessageID *int64     `json:"teaser_message_id" db:"teaser_message_id"`
	AutoDeleteAt    *time.Time `json:"auto_delete_at" db:"auto_delete_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Usable reports whether the link may still attribute joins.
func (l *InviteLink) Usable(now time.Time) bool {
	return l.Status == InviteActive && now.Before(l.ExpireAt) &&
		(l.UsageLimit == 0 || l.TotalUses < l.UsageLimit)
}

// ConversionStatus tracks post-join verification of a funnel member.
type ConversionStatus string

const (
	ConversionJoined   ConversionStatus = "joined"
	ConversionVerified ConversionStatus = "verified"
	ConversionLeft     ConversionStatus = "left"
)

// FunnelConversion attributes one VIP-channel join to the invite that produced it.
type FunnelConversion struct {
	ID                string           `json:"id" db:"id"`
	UserID            int64            `json:"user_id" db:"user_id"`
	InviteLinkID      string           `json:"invite_link_id" db:"invite_link_id"`
	SourceChannelID   int64            `json:"source_channel_id" db:"source_channel_id"`
	JoinedAt          time.Time        `json:"joined_at" db:"joined_at"`
	VerifiedAsPartner bool             `json:"verified_as_partner" db:"verified_as_partner"`
	Status            ConversionStatus `json:"status" db:"status"`
}
