package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func setupLedger(t *testing.T) (*Ledger, *fakeClock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := New(client, clock, time.UTC)
	return l, clock, func() {
		client.Close()
		mr.Close()
	}
}

func testAccount() *domain.Account {
	return &domain.Account{ID: "acct-1", Timezone: "UTC", Segment: domain.SegmentZOZH}
}

func TestTryIncrement_GrantsUpToLimit(t *testing.T) {
	l, _, cleanup := setupLedger(t)
	defer cleanup()

	ctx := context.Background()
	acct := testAccount()

	for i := 1; i <= 3; i++ {
		granted, current, err := l.TryIncrement(ctx, acct, domain.ActionComment, 3)
		if err != nil {
			t.Fatalf("TryIncrement error: %v", err)
		}
		if !granted {
			t.Fatalf("increment %d should be granted", i)
		}
		if current != i {
			t.Errorf("counter = %d, want %d", current, i)
		}
	}

	granted, current, err := l.TryIncrement(ctx, acct, domain.ActionComment, 3)
	if err != nil {
		t.Fatalf("TryIncrement error: %v", err)
	}
	if granted {
		t.Error("fourth increment should be denied")
	}
	if current != 3 {
		t.Errorf("denied counter = %d, want 3 (denial must not mutate)", current)
	}
}

func TestTryIncrement_DenialLeavesCounterReadable(t *testing.T) {
	l, _, cleanup := setupLedger(t)
	defer cleanup()

	ctx := context.Background()
	acct := testAccount()

	if granted, _, _ := l.TryIncrement(ctx, acct, domain.ActionPost, 1); !granted {
		t.Fatal("first increment denied")
	}
	l.TryIncrement(ctx, acct, domain.ActionPost, 1)

	n, err := l.DailyCounter(ctx, acct, domain.ActionPost)
	if err != nil {
		t.Fatalf("DailyCounter error: %v", err)
	}
	if n != 1 {
		t.Errorf("counter = %d, want 1", n)
	}
}

func TestDayBoundary_ResetsAtAccountMidnight(t *testing.T) {
	l, clock, cleanup := setupLedger(t)
	defer cleanup()

	ctx := context.Background()
	acct := testAccount()

	if granted, _, _ := l.TryIncrement(ctx, acct, domain.ActionComment, 1); !granted {
		t.Fatal("increment denied")
	}
	if granted, _, _ := l.TryIncrement(ctx, acct, domain.ActionComment, 1); granted {
		t.Fatal("limit 1 should deny second increment")
	}

	// Advance past the account's local midnight: counters start fresh.
	clock.t = clock.t.Add(24 * time.Hour)
	granted, current, err := l.TryIncrement(ctx, acct, domain.ActionComment, 1)
	if err != nil {
		t.Fatalf("TryIncrement error: %v", err)
	}
	if !granted || current != 1 {
		t.Errorf("after rollover: granted=%v current=%d, want granted=true current=1", granted, current)
	}
}

func TestLocalDay_UsesAccountTimezone(t *testing.T) {
	l, clock, cleanup := setupLedger(t)
	defer cleanup()

	// 23:30 UTC on Mar 10 is already Mar 11 in Moscow (UTC+3).
	clock.t = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	moscow := &domain.Account{ID: "acct-msk", Timezone: "Europe/Moscow"}
	utc := testAccount()

	if day := l.LocalDay(moscow, clock.t); day != "2026-03-11" {
		t.Errorf("moscow day = %s, want 2026-03-11", day)
	}
	if day := l.LocalDay(utc, clock.t); day != "2026-03-10" {
		t.Errorf("utc day = %s, want 2026-03-10", day)
	}
}

func TestDailyCounters_AllKinds(t *testing.T) {
	l, _, cleanup := setupLedger(t)
	defer cleanup()

	ctx := context.Background()
	acct := testAccount()

	l.TryIncrement(ctx, acct, domain.ActionComment, 10)
	l.TryIncrement(ctx, acct, domain.ActionComment, 10)
	l.TryIncrement(ctx, acct, domain.ActionStoryView, 10)

	counts, err := l.DailyCounters(ctx, acct)
	if err != nil {
		t.Fatalf("DailyCounters error: %v", err)
	}
	if counts[domain.ActionComment] != 2 {
		t.Errorf("comment count = %d, want 2", counts[domain.ActionComment])
	}
	if counts[domain.ActionStoryView] != 1 {
		t.Errorf("story_view count = %d, want 1", counts[domain.ActionStoryView])
	}
	if counts[domain.ActionPost] != 0 {
		t.Errorf("post count = %d, want 0", counts[domain.ActionPost])
	}
}
