package domain

import (
	"time"
)

// AccountStatus enumerates the lifecycle states of a fleet account.
type AccountStatus string

const (
	AccountNew     AccountStatus = "new"
	AccountWarming AccountStatus = "warming"
	AccountActive  AccountStatus = "active"
	AccountPaused  AccountStatus = "paused"
	AccountBanned  AccountStatus = "banned"
	AccountBackup  AccountStatus = "backup"
)

// Segment is the audience cohort tag used to match accounts, channels and content.
type Segment string

const (
	SegmentZOZH      Segment = "zozh"
	SegmentMama      Segment = "mama"
	SegmentBusiness  Segment = "business"
	SegmentStudent   Segment = "student"
	SegmentUniversal Segment = "universal"
)

// Segments lists every known segment tag.
var Segments = []Segment{SegmentZOZH, SegmentMama, SegmentBusiness, SegmentStudent, SegmentUniversal}

// SpamVerdict is the result of a spam-bot self check.
type SpamVerdict string

const (
	SpamOK      SpamVerdict = "ok"
	SpamLimited SpamVerdict = "limited"
	SpamBanned  SpamVerdict = "banned"
)

// Account represents one Telegram user-account operated by the fleet.
type Account struct {
	ID              string        `json:"id" db:"id"`
	Phone           string        `json:"phone" db:"phone"`
	SessionBlob     []byte        `json:"-" db:"session_blob"` // AES-GCM encrypted, never logged
	Segment         Segment       `json:"segment" db:"segment"`
	PersonaName     string        `json:"persona_name" db:"persona_name"`
	PersonaBio      string        `json:"persona_bio" db:"persona_bio"`
	ProxyID         *string       `json:"proxy_id" db:"proxy_id"`
	LinkedChannelID *int64        `json:"linked_channel_id" db:"linked_channel_id"`
	Status          AccountStatus `json:"status" db:"status"`
	Timezone        string        `json:"timezone" db:"timezone"`

	WarmupPhase     int        `json:"warmup_phase" db:"warmup_phase"`
	DayInPhase      int        `json:"day_in_phase" db:"day_in_phase"`
	WarmupCompleted bool       `json:"warmup_completed" db:"warmup_completed"`
	LastPlannedAt   *time.Time `json:"last_planned_at" db:"last_planned_at"`

	QuietStartMin *int `json:"quiet_start_min" db:"quiet_start_min"` // minutes from midnight, nil = config default
	QuietEndMin   *int `json:"quiet_end_min" db:"quiet_end_min"`

	LastActivityAt *time.Time  `json:"last_activity_at" db:"last_activity_at"`
	CooldownUntil  *time.Time  `json:"cooldown_until" db:"cooldown_until"`
	BanReason      string      `json:"ban_reason" db:"ban_reason"`
	SpamStatus     SpamVerdict `json:"spam_status" db:"spam_status"`
	SpamCheckedAt  *time.Time  `json:"spam_checked_at" db:"spam_checked_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Dispatchable reports whether a dispatcher fiber should run for the account.
func (a *Account) Dispatchable() bool {
	return a.Status == AccountWarming || a.Status == AccountActive
}

// InCooldown reports whether the account is parked until a wake time.
func (a *Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && now.Before(*a.CooldownUntil)
}

// Location resolves the account's timezone, falling back to def.
func (a *Account) Location(def *time.Location) *time.Location {
	if a.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return def
	}
	return loc
}

// ValidTransition reports whether the status state machine permits from → to.
func ValidTransition(from, to AccountStatus) bool {
	if to == AccountBanned {
		return from != AccountBanned
	}
	switch from {
	case AccountNew:
		return to == AccountWarming
	case AccountWarming:
		return to == AccountActive || to == AccountPaused
	case AccountActive:
		return to == AccountPaused
	case AccountPaused:
		return to == AccountActive
	}
	return false
}
