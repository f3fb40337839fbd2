package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/generator"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
	"github.com/nlgrowth/traffic-engine/internal/warmup"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

type fakeAccounts struct {
	fleet.AccountRepository
	acct      *domain.Account
	cooldowns []time.Time
	banned    []string
	proxySet  []string
}

func (f *fakeAccounts) Get(ctx context.Context, id string) (*domain.Account, error) {
	cp := *f.acct
	return &cp, nil
}

func (f *fakeAccounts) SetCooldown(ctx context.Context, id string, wake *time.Time) error {
	if wake != nil {
		f.cooldowns = append(f.cooldowns, *wake)
	}
	return nil
}

func (f *fakeAccounts) MarkBanned(ctx context.Context, id string, reason string) error {
	f.banned = append(f.banned, id)
	return nil
}

func (f *fakeAccounts) SetProxy(ctx context.Context, id string, proxyID *string) error {
	if proxyID != nil {
		f.proxySet = append(f.proxySet, *proxyID)
	}
	return nil
}

func (f *fakeAccounts) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (f *fakeAccounts) SetWarmupProgress(ctx context.Context, id string, phase, day int, completed bool) error {
	return nil
}

func (f *fakeAccounts) Transition(ctx context.Context, id string, from, to domain.AccountStatus) error {
	return nil
}

type fakeActions struct {
	fleet.ActionRepository
	appended []*domain.ActionRecord
	finished []domain.ActionOutcome
	comments []int64
	existing map[string]bool
}

func (f *fakeActions) Append(ctx context.Context, rec *domain.ActionRecord) error {
	rec.ID = "rec-1"
	f.appended = append(f.appended, rec)
	return nil
}

func (f *fakeActions) Finish(ctx context.Context, id string, outcome domain.ActionOutcome, errKind *domain.ErrorKind, at time.Time) error {
	f.finished = append(f.finished, outcome)
	return nil
}

func (f *fakeActions) SetCommentResult(ctx context.Context, id string, messageID int64, strategy domain.Strategy, topic string) error {
	f.comments = append(f.comments, messageID)
	return nil
}

func (f *fakeActions) CommentExists(ctx context.Context, targetRef string) (bool, error) {
	return f.existing[targetRef], nil
}

type fakePosts struct {
	fleet.PostRepository
	post      *domain.PostObservation
	denyClaim bool
	claims    []string
}

func (f *fakePosts) NextUnclaimed(ctx context.Context, segment domain.Segment, horizon time.Duration) (*domain.PostObservation, error) {
	if f.post == nil {
		return nil, fleet.ErrNoEligibleTarget
	}
	cp := *f.post
	return &cp, nil
}

func (f *fakePosts) Claim(ctx context.Context, postID, accountID string, horizon time.Duration) error {
	if f.denyClaim {
		return fleet.ErrClaimDenied
	}
	f.claims = append(f.claims, postID)
	return nil
}

type fakeOutcomes struct {
	fleet.OutcomeRepository
	enqueued []*domain.OutcomePending
}

func (f *fakeOutcomes) Enqueue(ctx context.Context, o *domain.OutcomePending) error {
	f.enqueued = append(f.enqueued, o)
	return nil
}

type fakeContent struct{ fleet.ContentRepository }

func (fakeContent) NextDue(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind, now time.Time) (*domain.ContentItem, error) {
	return nil, fleet.ErrNoEligibleTarget
}

type fakeChannels struct{ fleet.ChannelRepository }

func (fakeChannels) NextUnjoined(ctx context.Context, accountID string, segment domain.Segment) (*domain.TargetChannel, error) {
	return nil, fleet.ErrNoEligibleTarget
}

func (fakeChannels) StoryOwners(ctx context.Context, accountID string, segment domain.Segment, limit int) ([]string, error) {
	return nil, nil
}

type fakeLedger struct {
	used   map[domain.ActionKind]int
	denied map[domain.ActionKind]bool
	grants []domain.ActionKind
}

func (f *fakeLedger) TryIncrement(ctx context.Context, acct *domain.Account, kind domain.ActionKind, limit int) (bool, int, error) {
	if f.denied[kind] {
		return false, limit, nil
	}
	f.grants = append(f.grants, kind)
	return true, f.used[kind] + 1, nil
}

func (f *fakeLedger) DailyCounters(ctx context.Context, acct *domain.Account) (map[domain.ActionKind]int, error) {
	return f.used, nil
}

func (f *fakeLedger) Now() time.Time { return testNow }

type fakeOracle struct{ selections int }

func (f *fakeOracle) Select(ctx context.Context, c domain.StrategyContext) (domain.Strategy, error) {
	f.selections++
	return domain.StrategyExpert, nil
}

type fakeTexts struct{ fail bool }

func (f fakeTexts) Generate(ctx context.Context, req generator.Request) (string, error) {
	if f.fail {
		return "", generator.ErrGenerationFailed
	}
	return "отличный пост!", nil
}

type stubClient struct {
	telegram.Client
	sendErr  error
	sent     []string
	reacted  int
	msgID    int64
}

func (s *stubClient) SendComment(ctx context.Context, channel string, postID int64, text string) (int64, error) {
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.sent = append(s.sent, text)
	return s.msgID, nil
}

func (s *stubClient) React(ctx context.Context, target, emoji string) error {
	s.reacted++
	return nil
}

func (s *stubClient) PublishPost(ctx context.Context, channelID int64, text string) (int64, error) {
	s.sent = append(s.sent, text)
	return s.msgID, nil
}

type fakeTransport struct {
	client  *stubClient
	err     error
	invokes int
	uploads int
}

func (f *fakeTransport) Invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error {
	f.invokes++
	if f.err != nil {
		return f.err
	}
	return fn(ctx, f.client)
}

func (f *fakeTransport) InvokeUpload(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error {
	f.uploads++
	if f.err != nil {
		return f.err
	}
	return fn(ctx, f.client)
}

type fakePool struct {
	acquired int
	failures int
	park     bool
}

func (f *fakePool) Acquire(ctx context.Context, accountID, excludeID string) (*domain.Proxy, error) {
	f.acquired++
	return &domain.Proxy{ID: "proxy-2"}, nil
}

func (f *fakePool) Get(ctx context.Context, id string) (*domain.Proxy, error) {
	return &domain.Proxy{ID: id}, nil
}

func (f *fakePool) ReportFailure(ctx context.Context, proxyID string) (bool, error) {
	f.failures++
	return f.park, nil
}

func (f *fakePool) ReportSuccess(ctx context.Context, proxyID string) error { return nil }

func ceilings() map[domain.ActionKind]int {
	out := map[domain.ActionKind]int{}
	for _, k := range domain.ActionKinds {
		out[k] = 10
	}
	return out
}

type harness struct {
	worker    *Worker
	accounts  *fakeAccounts
	actions   *fakeActions
	posts     *fakePosts
	outcomes  *fakeOutcomes
	ledger    *fakeLedger
	transport *fakeTransport
	pool      *fakePool
	oracle    *fakeOracle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	proxyID := "proxy-1"
	acct := &domain.Account{
		ID: "acct-1", Status: domain.AccountActive, Segment: domain.SegmentZOZH,
		Timezone: "UTC", WarmupCompleted: true, ProxyID: &proxyID,
	}
	accounts := &fakeAccounts{acct: acct}
	h := &harness{
		accounts:  accounts,
		actions:   &fakeActions{existing: map[string]bool{}},
		posts:     &fakePosts{},
		outcomes:  &fakeOutcomes{},
		ledger:    &fakeLedger{used: map[domain.ActionKind]int{}},
		transport: &fakeTransport{client: &stubClient{msgID: 901}},
		pool:      &fakePool{},
		oracle:    &fakeOracle{},
	}
	planner := warmup.NewPlanner(accounts, time.UTC, ceilings(), warmup.QuietWindow{StartMin: 23 * 60, EndMin: 8 * 60})
	deps := Deps{
		Accounts:     accounts,
		Actions:      h.actions,
		Posts:        h.posts,
		Channels:     fakeChannels{},
		Outcomes:     h.outcomes,
		Content:      fakeContent{},
		Ledger:       h.ledger,
		Planner:      planner,
		Oracle:       h.oracle,
		Texts:        fakeTexts{},
		Transport:    h.transport,
		Proxies:      h.pool,
		ClaimHorizon: 30 * time.Minute,
		ReplyWindow:  30 * time.Minute,
		DefaultLoc:   time.UTC,
		Rand:         rand.New(rand.NewSource(1)),
		Sleep:        func(ctx context.Context, d time.Duration) error { return nil },
	}
	h.worker = NewWorker(deps, acct)
	return h
}

func freshPost() *domain.PostObservation {
	return &domain.PostObservation{
		ID: "post-1", ChannelUsername: "fitness_daily", MessageID: 500,
		SeenAt: testNow.Add(-5 * time.Minute), Topic: "fitness", Excerpt: "тренировка",
	}
}

func TestCommentFlowEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.posts.post = freshPost()

	budget, err := h.worker.deps.Planner.BudgetFor(context.Background(), h.worker.acct, testNow)
	if err != nil {
		t.Fatalf("BudgetFor: %v", err)
	}
	if err := h.worker.ensureProxy(context.Background()); err != nil {
		t.Fatalf("ensureProxy: %v", err)
	}
	if err := h.worker.execute(context.Background(), domain.ActionComment, budget); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(h.posts.claims) != 1 || h.posts.claims[0] != "post-1" {
		t.Errorf("claims = %v", h.posts.claims)
	}
	if h.oracle.selections != 1 {
		t.Errorf("oracle selections = %d", h.oracle.selections)
	}
	if len(h.ledger.grants) != 1 || h.ledger.grants[0] != domain.ActionComment {
		t.Errorf("ledger grants = %v", h.ledger.grants)
	}
	if len(h.actions.appended) != 1 || h.actions.appended[0].TargetRef != "fitness_daily:500" {
		t.Fatalf("appended = %+v", h.actions.appended)
	}
	if len(h.actions.finished) != 1 || h.actions.finished[0] != domain.OutcomeSuccess {
		t.Errorf("finished = %v", h.actions.finished)
	}
	if len(h.actions.comments) != 1 || h.actions.comments[0] != 901 {
		t.Errorf("comment results = %v", h.actions.comments)
	}
	if len(h.outcomes.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(h.outcomes.enqueued))
	}
	o := h.outcomes.enqueued[0]
	if o.CommentMessageID != 901 || !o.PollAt.Equal(testNow.UTC().Add(30*time.Minute)) {
		t.Errorf("outcome = %+v", o)
	}
}

func TestCommentClaimRaceSkipsWithoutTransport(t *testing.T) {
	h := newHarness(t)
	h.posts.post = freshPost()
	h.posts.denyClaim = true

	budget, _ := h.worker.deps.Planner.BudgetFor(context.Background(), h.worker.acct, testNow)
	if err := h.worker.execute(context.Background(), domain.ActionComment, budget); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if h.transport.invokes != 0 {
		t.Error("transport reached after lost claim")
	}
	if len(h.actions.appended) != 0 {
		t.Error("action recorded after lost claim")
	}
	if len(h.ledger.grants) != 0 {
		t.Error("quota burned on lost claim")
	}
}

func TestCommentAlreadyCommentedSkips(t *testing.T) {
	h := newHarness(t)
	h.posts.post = freshPost()
	h.actions.existing["fitness_daily:500"] = true

	budget, _ := h.worker.deps.Planner.BudgetFor(context.Background(), h.worker.acct, testNow)
	if err := h.worker.execute(context.Background(), domain.ActionComment, budget); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.transport.invokes != 0 || len(h.posts.claims) != 0 {
		t.Error("duplicate comment proceeded")
	}
}

func TestRateDenialNeverReachesTransport(t *testing.T) {
	h := newHarness(t)
	h.posts.post = freshPost()
	h.ledger.denied = map[domain.ActionKind]bool{domain.ActionComment: true}

	budget, _ := h.worker.deps.Planner.BudgetFor(context.Background(), h.worker.acct, testNow)
	if err := h.worker.execute(context.Background(), domain.ActionComment, budget); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.transport.invokes != 0 {
		t.Error("transport reached after ledger denial")
	}
	if len(h.actions.appended) != 0 {
		t.Error("action recorded after ledger denial")
	}
}

func TestGenerationFailureDropsComment(t *testing.T) {
	h := newHarness(t)
	h.posts.post = freshPost()
	h.worker.deps.Texts = fakeTexts{fail: true}

	budget, _ := h.worker.deps.Planner.BudgetFor(context.Background(), h.worker.acct, testNow)
	if err := h.worker.execute(context.Background(), domain.ActionComment, budget); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.transport.invokes != 0 || len(h.ledger.grants) != 0 {
		t.Error("dropped comment still progressed")
	}
}

func TestLongFloodWaitParksAccount(t *testing.T) {
	h := newHarness(t)
	h.posts.post = freshPost()
	h.transport.err = &telegram.FloodExceededError{Wait: 45 * time.Minute}
	h.worker.proxy = &domain.Proxy{ID: "proxy-1"}

	budget, _ := h.worker.deps.Planner.BudgetFor(context.Background(), h.worker.acct, testNow)
	err := h.worker.execute(context.Background(), domain.ActionComment, budget)
	if err == nil {
		t.Fatal("expected flood error to surface")
	}
	delay, herr := h.worker.handleFailure(context.Background(), err)
	if herr != nil {
		t.Fatalf("handleFailure: %v", herr)
	}
	if delay != 45*time.Minute {
		t.Errorf("park delay = %s, want 45m", delay)
	}
	if len(h.accounts.cooldowns) != 1 || !h.accounts.cooldowns[0].Equal(testNow.Add(45*time.Minute)) {
		t.Errorf("cooldowns = %v", h.accounts.cooldowns)
	}
	if len(h.actions.finished) != 1 || h.actions.finished[0] != domain.OutcomeFloodWait {
		t.Errorf("outcome = %v, want flood_wait", h.actions.finished)
	}
}

func TestBannedErrorExitsFiber(t *testing.T) {
	h := newHarness(t)
	_, err := h.worker.handleFailure(context.Background(), telegram.ErrBanned)
	if !errors.Is(err, errFiberExit) {
		t.Fatalf("err = %v, want fiber exit", err)
	}
	if len(h.accounts.banned) != 1 {
		t.Errorf("banned = %v", h.accounts.banned)
	}
}

func TestProxyFailureRotatesWhenParked(t *testing.T) {
	h := newHarness(t)
	h.worker.proxy = &domain.Proxy{ID: "proxy-1"}
	h.pool.park = true

	proxyErr := &telegram.ProxyError{ProxyID: "proxy-1", Err: errors.New("connect refused")}
	if _, err := h.worker.handleFailure(context.Background(), proxyErr); err == nil {
		t.Fatal("proxy failure should propagate for logging")
	}
	if h.pool.failures != 1 {
		t.Errorf("pool failures = %d", h.pool.failures)
	}
	if h.pool.acquired != 1 {
		t.Errorf("pool acquires = %d, want replacement", h.pool.acquired)
	}
	if h.worker.proxy.ID != "proxy-2" {
		t.Errorf("proxy = %s, want proxy-2", h.worker.proxy.ID)
	}
}

type fakeContentQueue struct {
	fleet.ContentRepository
	item *domain.ContentItem
	runs []string
}

func (f *fakeContentQueue) NextDue(ctx context.Context, accountID string, segment domain.Segment, kind domain.ContentKind, now time.Time) (*domain.ContentItem, error) {
	if f.item == nil || f.item.Kind != kind {
		return nil, fleet.ErrNoEligibleTarget
	}
	return f.item, nil
}

func (f *fakeContentQueue) MarkRun(ctx context.Context, id string, at time.Time) error {
	f.runs = append(f.runs, id)
	return nil
}

func TestChannelPostUsesUploadTransport(t *testing.T) {
	h := newHarness(t)
	channelID := int64(4242)
	h.worker.acct.LinkedChannelID = &channelID
	queue := &fakeContentQueue{item: &domain.ContentItem{
		ID: "content-1", Kind: domain.ContentPost, Body: "утренний пост",
	}}
	h.worker.deps.Content = queue

	budget, err := h.worker.deps.Planner.BudgetFor(context.Background(), h.worker.acct, testNow)
	if err != nil {
		t.Fatalf("BudgetFor: %v", err)
	}
	if err := h.worker.ensureProxy(context.Background()); err != nil {
		t.Fatalf("ensureProxy: %v", err)
	}
	if err := h.worker.execute(context.Background(), domain.ActionPost, budget); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if h.transport.uploads != 1 || h.transport.invokes != 0 {
		t.Errorf("uploads = %d, invokes = %d; post must use the upload timeout path",
			h.transport.uploads, h.transport.invokes)
	}
	if len(h.transport.client.sent) != 1 || h.transport.client.sent[0] != "утренний пост" {
		t.Errorf("published = %v", h.transport.client.sent)
	}
	if len(queue.runs) != 1 || queue.runs[0] != "content-1" {
		t.Errorf("runs = %v", queue.runs)
	}
}

func TestStepSleepsThroughQuietHours(t *testing.T) {
	h := newHarness(t)
	start, end := 11*60, 14*60 // quiet window covering testNow (12:00)
	h.accounts.acct.QuietStartMin = &start
	h.accounts.acct.QuietEndMin = &end

	delay, err := h.worker.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if delay != 2*time.Hour {
		t.Errorf("delay = %s, want 2h until quiet end", delay)
	}
	if h.transport.invokes != 0 {
		t.Error("action attempted inside quiet window")
	}
}

func TestStepIdlesWhenBudgetSpent(t *testing.T) {
	h := newHarness(t)
	for _, k := range domain.ActionKinds {
		h.ledger.used[k] = 10 // everything at ceiling
	}
	delay, err := h.worker.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if delay != idleDelay {
		t.Errorf("delay = %s, want idle", delay)
	}
}

func TestStepExitsWhenAccountPaused(t *testing.T) {
	h := newHarness(t)
	h.accounts.acct.Status = domain.AccountPaused

	_, err := h.worker.step(context.Background())
	if !errors.Is(err, errFiberExit) {
		t.Fatalf("err = %v, want fiber exit", err)
	}
}

func TestActionDelayStaysInJitteredRange(t *testing.T) {
	h := newHarness(t)
	budget := &warmup.Budget{MinDelay: 60 * time.Second, MaxDelay: 240 * time.Second}

	lo := time.Duration(float64(budget.MinDelay) * 0.8)
	hi := time.Duration(float64(budget.MaxDelay) * 1.2)
	sawOutsideRawRange := false
	for i := 0; i < 1000; i++ {
		d := h.worker.actionDelay(budget)
		if d < lo || d > hi {
			t.Fatalf("delay %s outside [%s, %s]", d, lo, hi)
		}
		if d < budget.MinDelay || d > budget.MaxDelay {
			sawOutsideRawRange = true
		}
	}
	if !sawOutsideRawRange {
		t.Error("jitter never left the raw range; ±20% term missing")
	}
}

func TestPickKindWeightsRemainingQuota(t *testing.T) {
	h := newHarness(t)
	budget := &warmup.Budget{Quotas: map[domain.ActionKind]int{
		domain.ActionComment:  2,
		domain.ActionReaction: 8,
	}}
	used := map[domain.ActionKind]int{domain.ActionComment: 2}

	for i := 0; i < 50; i++ {
		kind, ok := h.worker.pickKind(budget, used)
		if !ok {
			t.Fatal("no kind picked with quota remaining")
		}
		if kind != domain.ActionReaction {
			t.Fatalf("picked %s with zero remaining", kind)
		}
	}
}
