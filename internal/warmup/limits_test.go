package warmup

import (
	"testing"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

func TestLimitsForTableLookup(t *testing.T) {
	tests := []struct {
		name         string
		phase, day   int
		wantComments int
		wantReacts   int
	}{
		{"phase 1 day 1 no comments", 1, 1, 0, 2},
		{"phase 1 day 7", 1, 7, 0, 6},
		{"phase 2 day 1 first comment", 2, 1, 1, 8},
		{"phase 3 day 5", 3, 5, 6, 18},
		{"phase 4 day 9 full cadence", 4, 9, 10, 26},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := LimitsFor(tt.phase, tt.day)
			if row.MaxComments != tt.wantComments {
				t.Errorf("MaxComments = %d, want %d", row.MaxComments, tt.wantComments)
			}
			if row.MaxReactions != tt.wantReacts {
				t.Errorf("MaxReactions = %d, want %d", row.MaxReactions, tt.wantReacts)
			}
		})
	}
}

func TestLimitsForClamping(t *testing.T) {
	// Day past the phase length clamps to the last row of the phase.
	if got, want := LimitsFor(1, 99), LimitsFor(1, 7); got != want {
		t.Errorf("day overflow did not clamp: got %+v", got)
	}
	// Out-of-range phases clamp to the table edges.
	if got, want := LimitsFor(0, 1), LimitsFor(1, 1); got != want {
		t.Errorf("phase 0 did not clamp to phase 1")
	}
	if got, want := LimitsFor(9, 3), LimitsFor(4, 3); got != want {
		t.Errorf("phase 9 did not clamp to phase 4")
	}
	if got, want := LimitsFor(2, 0), LimitsFor(2, 1); got != want {
		t.Errorf("day 0 did not clamp to day 1")
	}
}

func TestQuotaCoversEveryKind(t *testing.T) {
	row := LimitsFor(4, 9)
	want := map[domain.ActionKind]int{
		domain.ActionComment:    row.MaxComments,
		domain.ActionReaction:   row.MaxReactions,
		domain.ActionSubscribe:  row.MaxSubscriptions,
		domain.ActionStoryView:  row.MaxStoryViews,
		domain.ActionStoryReact: row.MaxStoryReacts,
		domain.ActionMessage:    row.MaxMessages,
		domain.ActionPost:       row.MaxPosts,
	}
	for _, kind := range domain.ActionKinds {
		if got := row.Quota(kind); got != want[kind] {
			t.Errorf("Quota(%s) = %d, want %d", kind, got, want[kind])
		}
	}
}

func TestPhaseLengthsSumToFullPlan(t *testing.T) {
	total := 0
	for _, n := range PhaseLengths {
		total += n
	}
	if total != 30 {
		t.Fatalf("plan length = %d days, want 30", total)
	}
}

func at(hour, min int) time.Time {
	return time.Date(2026, 8, 26, hour, min, 0, 0, time.UTC)
}

func TestQuietWindowContains(t *testing.T) {
	normal := QuietWindow{StartMin: 13 * 60, EndMin: 15 * 60} // 13:00–15:00
	wrap := QuietWindow{StartMin: 23 * 60, EndMin: 7 * 60}    // 23:00–07:00

	tests := []struct {
		name string
		w    QuietWindow
		t    time.Time
		want bool
	}{
		{"before normal window", normal, at(12, 59), false},
		{"at normal start", normal, at(13, 0), true},
		{"inside normal", normal, at(14, 30), true},
		{"at normal end is outside", normal, at(15, 0), false},
		{"wrap pre-midnight", wrap, at(23, 30), true},
		{"wrap post-midnight", wrap, at(2, 0), true},
		{"wrap just before end", wrap, at(6, 59), true},
		{"wrap at end is outside", wrap, at(7, 0), false},
		{"wrap daytime outside", wrap, at(12, 0), false},
		{"zero-length never contains", QuietWindow{600, 600}, at(10, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.t.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestQuietWindowUntilEnd(t *testing.T) {
	wrap := QuietWindow{StartMin: 23 * 60, EndMin: 7 * 60}

	if got := wrap.UntilEnd(at(12, 0)); got != 0 {
		t.Errorf("outside window: UntilEnd = %v, want 0", got)
	}
	// Post-midnight part: 02:00 → 07:00 is five hours.
	if got, want := wrap.UntilEnd(at(2, 0)), 5*time.Hour; got != want {
		t.Errorf("post-midnight: UntilEnd = %v, want %v", got, want)
	}
	// Pre-midnight part crosses into the next day: 23:30 → 07:00 is 7h30m.
	if got, want := wrap.UntilEnd(at(23, 30)), 7*time.Hour+30*time.Minute; got != want {
		t.Errorf("pre-midnight: UntilEnd = %v, want %v", got, want)
	}
	// Non-wrapping window.
	normal := QuietWindow{StartMin: 13 * 60, EndMin: 15 * 60}
	if got, want := normal.UntilEnd(at(14, 0)), time.Hour; got != want {
		t.Errorf("normal: UntilEnd = %v, want %v", got, want)
	}
}
