package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestAccountGetNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM traffic_accounts").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := NewAccountRepo(db).Get(context.Background(), "missing")
	if err != fleet.ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestAccountTransitionRejectsInvalid(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	// new → active skips warming; the guard must fire before any SQL runs.
	err := NewAccountRepo(db).Transition(context.Background(), "act-1", domain.AccountNew, domain.AccountActive)
	if err != fleet.ErrInvalidTransition {
		t.Errorf("Transition() error = %v, want ErrInvalidTransition", err)
	}
}

func TestAccountTransitionIsConditional(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepo(db)

	mock.ExpectExec("UPDATE traffic_accounts SET status").
		WithArgs(domain.AccountActive, "act-1", domain.AccountWarming).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Transition(context.Background(), "act-1", domain.AccountWarming, domain.AccountActive); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}

	// The status moved underneath us: zero rows means the CAS lost.
	mock.ExpectExec("UPDATE traffic_accounts SET status").
		WithArgs(domain.AccountActive, "act-1", domain.AccountWarming).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Transition(context.Background(), "act-1", domain.AccountWarming, domain.AccountActive)
	if err != fleet.ErrNotFound {
		t.Errorf("lost Transition() error = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkBannedIsIdempotentGuarded(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE traffic_accounts SET status").
		WithArgs(domain.AccountBanned, "flood wall", "act-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewAccountRepo(db).MarkBanned(context.Background(), "act-1", "flood wall"); err != nil {
		t.Fatalf("MarkBanned() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostObserveReportsDuplicate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPostRepo(db)
	seen := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO traffic_posts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := repo.Observe(context.Background(), &domain.PostObservation{
		ChannelUsername: "fitness_daily", MessageID: 500, SeenAt: seen, Topic: "training",
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if !created {
		t.Error("first Observe() should report created")
	}

	// ON CONFLICT DO NOTHING affects zero rows on replay.
	mock.ExpectExec("INSERT INTO traffic_posts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	created, err = repo.Observe(context.Background(), &domain.PostObservation{
		ChannelUsername: "fitness_daily", MessageID: 500, SeenAt: seen, Topic: "training",
	})
	if err != nil {
		t.Fatalf("replay Observe() error: %v", err)
	}
	if created {
		t.Error("replayed Observe() should not report created")
	}
}

func TestPostObserveAssignsID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO traffic_posts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := &domain.PostObservation{ChannelUsername: "c", MessageID: 1, SeenAt: time.Now()}
	if _, err := NewPostRepo(db).Observe(context.Background(), p); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if p.ID == "" {
		t.Error("Observe() should assign an ID")
	}
}

func TestPostClaimDeniedWhenTaken(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPostRepo(db)

	mock.ExpectExec("UPDATE traffic_posts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Claim(context.Background(), "post-1", "act-1", 30*time.Minute); err != nil {
		t.Fatalf("winning Claim() error: %v", err)
	}

	mock.ExpectExec("UPDATE traffic_posts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Claim(context.Background(), "post-1", "act-2", 30*time.Minute)
	if err != fleet.ErrClaimDenied {
		t.Errorf("losing Claim() error = %v, want ErrClaimDenied", err)
	}
}

func TestNextUnclaimedNoEligibleTarget(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM traffic_posts").
		WillReturnError(sql.ErrNoRows)

	_, err := NewPostRepo(db).NextUnclaimed(context.Background(), "fitness", 30*time.Minute)
	if err != fleet.ErrNoEligibleTarget {
		t.Errorf("NextUnclaimed() error = %v, want ErrNoEligibleTarget", err)
	}
}

func TestActionFinishOnlyOnce(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewActionRepo(db)
	at := time.Date(2026, 8, 26, 12, 5, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE traffic_actions SET outcome").
		WithArgs(domain.OutcomeSuccess, nil, at, "action-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Finish(context.Background(), "action-1", domain.OutcomeSuccess, nil, at); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	// finished_at IS NULL guard: a second finish hits zero rows.
	mock.ExpectExec("UPDATE traffic_actions SET outcome").
		WithArgs(domain.OutcomeSuccess, nil, at, "action-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.Finish(context.Background(), "action-1", domain.OutcomeSuccess, nil, at); err != fleet.ErrNotFound {
		t.Errorf("double Finish() error = %v, want ErrNotFound", err)
	}
}

func TestActionAppendAssignsID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO traffic_actions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &domain.ActionRecord{
		AccountID: "act-1",
		Kind:      domain.ActionComment,
		TargetRef: "fitness_daily:500",
		StartedAt: time.Now(),
	}
	if err := NewActionRepo(db).Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if rec.ID == "" {
		t.Error("Append() should assign an ID")
	}
}

func TestCommentExists(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(domain.ActionComment, "fitness_daily:500").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := NewActionRepo(db).CommentExists(context.Background(), "fitness_daily:500")
	if err != nil {
		t.Fatalf("CommentExists() error: %v", err)
	}
	if !exists {
		t.Error("CommentExists() = false, want true")
	}
}

func TestRecoverStaleCountsRows(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE traffic_actions").
		WithArgs(domain.OutcomeError, domain.ErrRecovered, "act-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewActionRepo(db).RecoverStale(context.Background(), "act-1")
	if err != nil {
		t.Fatalf("RecoverStale() error: %v", err)
	}
	if n != 3 {
		t.Errorf("RecoverStale() = %d, want 3", n)
	}
}

func TestErrorDigestScansGroups(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	last := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT error_kind").
		WillReturnRows(sqlmock.NewRows([]string{"error_kind", "count", "last_seen", "sample"}).
			AddRow("flood_wait", 7, last, "fitness_daily:490").
			AddRow("peer_not_accessible", 2, last, "yoga_tips:12"))

	groups, err := NewActionRepo(db).ErrorDigest(context.Background(), last.Add(-24*time.Hour), 20, 0)
	if err != nil {
		t.Fatalf("ErrorDigest() error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[0].ErrorKind != "flood_wait" || groups[0].Count != 7 {
		t.Errorf("groups[0] = %+v", groups[0])
	}
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT (.+) FROM traffic_accounts").
		WillReturnError(boom)

	_, err := NewAccountRepo(db).Get(context.Background(), "act-1")
	if !errors.Is(err, boom) {
		t.Errorf("Get() error = %v, want wrapped %v", err, boom)
	}
}
