// Package warmup holds the staged 30-day behavioral plan: the immutable
// daily-limits table and the planner that advances accounts through it.
package warmup

import (
	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// DailyLimit is one row of the reference table, keyed by (phase, day range).
type DailyLimit struct {
	MaxMessages      int
	MaxReactions     int
	MaxSubscriptions int
	MaxComments      int
	MaxPosts         int
	MaxStoryViews    int
	MaxStoryReacts   int
	MinDelaySeconds  int
	MaxDelaySeconds  int
	Description      string
}

// PhaseLengths gives the number of days in phases 1..4. The full plan is 30
// days; warmup completes after the last day of phase 4.
var PhaseLengths = [4]int{7, 7, 7, 9}

type limitRow struct {
	phase    int
	firstDay int // inclusive
	lastDay  int // inclusive
	limit    DailyLimit
}

// The table ramps limits up within each phase to mimic organic growth.
// Early days are read-mostly; commenting only unlocks in phase 2.
var limitTable = []limitRow{
	{1, 1, 2, DailyLimit{0, 2, 1, 0, 0, 5, 0, 300, 900, "passive onboarding: view, rare react"}},
	{1, 3, 5, DailyLimit{1, 4, 2, 0, 0, 10, 1, 240, 720, "light activity, first subscriptions"}},
	{1, 6, 7, DailyLimit{2, 6, 2, 0, 0, 15, 2, 180, 600, "closing phase 1"}},
	{2, 1, 3, DailyLimit{3, 8, 3, 1, 0, 20, 3, 150, 480, "first comments"}},
	{2, 4, 7, DailyLimit{4, 10, 3, 2, 1, 25, 4, 120, 420, "steady phase 2"}},
	{3, 1, 4, DailyLimit{6, 14, 4, 4, 1, 35, 6, 90, 360, "commenting ramp"}},
	{3, 5, 7, DailyLimit{8, 18, 4, 6, 2, 45, 8, 90, 300, "closing phase 3"}},
	{4, 1, 5, DailyLimit{10, 22, 5, 8, 2, 60, 10, 60, 240, "near-operational cadence"}},
	{4, 6, 9, DailyLimit{12, 26, 5, 10, 3, 80, 12, 60, 180, "full operational cadence"}},
}

// LimitsFor returns the reference row for (phase, dayInPhase). Days beyond
// the phase length clamp to the phase's last row; unknown phases clamp to the
// table edges.
func LimitsFor(phase, dayInPhase int) DailyLimit {
	if phase < 1 {
		phase = 1
	}
	if phase > 4 {
		phase = 4
	}
	if dayInPhase < 1 {
		dayInPhase = 1
	}
	if max := PhaseLengths[phase-1]; dayInPhase > max {
		dayInPhase = max
	}
	for _, row := range limitTable {
		if row.phase == phase && dayInPhase >= row.firstDay && dayInPhase <= row.lastDay {
			return row.limit
		}
	}
	// Unreachable with a well-formed table; keep the last row as a backstop.
	return limitTable[len(limitTable)-1].limit
}

// Quota returns the table's cap for one action kind.
func (d DailyLimit) Quota(kind domain.ActionKind) int {
	switch kind {
	case domain.ActionComment:
		return d.MaxComments
	case domain.ActionReaction:
		return d.MaxReactions
	case domain.ActionSubscribe:
		return d.MaxSubscriptions
	case domain.ActionStoryView:
		return d.MaxStoryViews
	case domain.ActionStoryReact:
		return d.MaxStoryReacts
	case domain.ActionMessage:
		return d.MaxMessages
	case domain.ActionPost:
		return d.MaxPosts
	}
	return 0
}
