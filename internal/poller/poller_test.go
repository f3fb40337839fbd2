package poller

import (
	"context"
	"testing"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
)

type fakeOutcomes struct {
	fleet.OutcomeRepository
	due  []domain.OutcomePending
	done []string
}

func (f *fakeOutcomes) Due(ctx context.Context, now time.Time, limit int) ([]domain.OutcomePending, error) {
	return f.due, nil
}

func (f *fakeOutcomes) MarkDone(ctx context.Context, actionID string) error {
	f.done = append(f.done, actionID)
	return nil
}

type fakeActions struct {
	fleet.ActionRepository
	rec        *domain.ActionRecord
	attributed []struct {
		id       string
		gotReply bool
		count    int
	}
}

func (f *fakeActions) AttributeOutcome(ctx context.Context, id string, gotReply bool, replyCount int) error {
	f.attributed = append(f.attributed, struct {
		id       string
		gotReply bool
		count    int
	}{id, gotReply, replyCount})
	return nil
}

func (f *fakeActions) Get(ctx context.Context, id string) (*domain.ActionRecord, error) {
	if f.rec == nil {
		return nil, fleet.ErrNotFound
	}
	return f.rec, nil
}

type fakeAccounts struct {
	fleet.AccountRepository
	acct *domain.Account
}

func (f *fakeAccounts) Get(ctx context.Context, id string) (*domain.Account, error) {
	if f.acct == nil {
		return nil, fleet.ErrNotFound
	}
	return f.acct, nil
}

type fakeProxies struct{}

func (fakeProxies) Get(ctx context.Context, id string) (*domain.Proxy, error) {
	return &domain.Proxy{ID: id}, nil
}

type fakeTransport struct{ replies []domain.Reply }

func (f *fakeTransport) Invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error {
	return fn(ctx, &stubClient{replies: f.replies})
}

type stubClient struct {
	telegram.Client
	replies []domain.Reply
}

func (s *stubClient) FetchReplies(ctx context.Context, channel string, postID int64, since time.Time) ([]domain.Reply, error) {
	return s.replies, nil
}

type fakeOracle struct {
	updates []struct {
		actionID string
		strategy domain.Strategy
		reward   float64
		sctx     domain.StrategyContext
	}
}

func (f *fakeOracle) Update(ctx context.Context, actionID string, c domain.StrategyContext, strategy domain.Strategy, reward float64) error {
	f.updates = append(f.updates, struct {
		actionID string
		strategy domain.Strategy
		reward   float64
		sctx     domain.StrategyContext
	}{actionID, strategy, reward, c})
	return nil
}

type grantLock struct{}

func (grantLock) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (grantLock) Release(ctx context.Context) error         { return nil }

func strPtr(s string) *string { return &s }

func commentRecord() *domain.ActionRecord {
	return &domain.ActionRecord{
		ID:           "act-1",
		AccountID:    "acct-1",
		Kind:         domain.ActionComment,
		StartedAt:    time.Date(2026, 8, 26, 19, 0, 0, 0, time.UTC),
		StrategyUsed: strPtr(string(domain.StrategyFunny)),
		PostTopic:    strPtr("fitness"),
	}
}

func pending() domain.OutcomePending {
	return domain.OutcomePending{
		ActionID:         "act-1",
		AccountID:        "acct-1",
		ChannelUsername:  "fitness_daily",
		PostMessageID:    500,
		CommentMessageID: 501,
		PollAt:           time.Date(2026, 8, 26, 19, 30, 0, 0, time.UTC),
	}
}

func newTestPoller(outcomes *fakeOutcomes, actions *fakeActions, oracle *fakeOracle, replies []domain.Reply) *Poller {
	accounts := &fakeAccounts{acct: &domain.Account{
		ID: "acct-1", Phone: "+79990001122", Segment: domain.SegmentZOZH,
		Status: domain.AccountActive, Timezone: "UTC",
	}}
	return New(outcomes, actions, accounts, fakeProxies{}, &fakeTransport{replies: replies},
		oracle, grantLock{}, 30*time.Minute, time.Minute, time.UTC)
}

func TestPollRewardsReply(t *testing.T) {
	outcomes := &fakeOutcomes{due: []domain.OutcomePending{pending()}}
	actions := &fakeActions{rec: commentRecord()}
	oracle := &fakeOracle{}
	p := newTestPoller(outcomes, actions, oracle, []domain.Reply{
		{MessageID: 502, ReplyToID: 501, FromPeer: "@someone", Text: "согласен!"},
	})

	p.drain(context.Background())

	if len(actions.attributed) != 1 {
		t.Fatalf("attributed %d outcomes, want 1", len(actions.attributed))
	}
	if !actions.attributed[0].gotReply || actions.attributed[0].count != 1 {
		t.Errorf("attribution = %+v", actions.attributed[0])
	}
	if len(oracle.updates) != 1 {
		t.Fatalf("oracle updates = %d, want 1", len(oracle.updates))
	}
	up := oracle.updates[0]
	if up.reward != rewardReply {
		t.Errorf("reward = %v, want %v", up.reward, rewardReply)
	}
	if up.strategy != domain.StrategyFunny {
		t.Errorf("strategy = %s", up.strategy)
	}
	if up.sctx.Slot != domain.SlotEvening || up.sctx.Topic != "fitness" {
		t.Errorf("context = %+v", up.sctx)
	}
	if len(outcomes.done) != 1 || outcomes.done[0] != "act-1" {
		t.Errorf("done = %v", outcomes.done)
	}
}

func TestPollRewardsThirdPartyReaction(t *testing.T) {
	outcomes := &fakeOutcomes{due: []domain.OutcomePending{pending()}}
	actions := &fakeActions{rec: commentRecord()}
	oracle := &fakeOracle{}
	p := newTestPoller(outcomes, actions, oracle, []domain.Reply{
		{MessageID: 501, IsReaction: true, FromPeer: "@fan", ReactionEmoji: "🔥"},
	})

	p.drain(context.Background())

	if len(oracle.updates) != 1 || oracle.updates[0].reward != rewardReaction {
		t.Fatalf("oracle updates = %+v, want reaction reward", oracle.updates)
	}
	if actions.attributed[0].gotReply {
		t.Error("reaction alone marked got_reply")
	}
}

func TestPollIgnoresOwnReaction(t *testing.T) {
	outcomes := &fakeOutcomes{due: []domain.OutcomePending{pending()}}
	actions := &fakeActions{rec: commentRecord()}
	oracle := &fakeOracle{}
	p := newTestPoller(outcomes, actions, oracle, []domain.Reply{
		{MessageID: 501, IsReaction: true, FromPeer: "+79990001122"},
	})

	p.drain(context.Background())

	if len(oracle.updates) != 1 || oracle.updates[0].reward != 0 {
		t.Fatalf("oracle updates = %+v, want zero reward", oracle.updates)
	}
}

func TestPollIgnoresFeedbackOnOtherMessages(t *testing.T) {
	outcomes := &fakeOutcomes{due: []domain.OutcomePending{pending()}}
	actions := &fakeActions{rec: commentRecord()}
	oracle := &fakeOracle{}
	p := newTestPoller(outcomes, actions, oracle, []domain.Reply{
		{MessageID: 600, ReplyToID: 500, FromPeer: "@x", Text: "reply to the post itself"},
		{MessageID: 500, IsReaction: true, FromPeer: "@y"},
	})

	p.drain(context.Background())

	if oracle.updates[0].reward != 0 {
		t.Errorf("reward = %v, want 0", oracle.updates[0].reward)
	}
	if actions.attributed[0].count != 0 {
		t.Errorf("reply count = %d, want 0", actions.attributed[0].count)
	}
}

func TestPollBannedAccountCompletesWithoutFetch(t *testing.T) {
	outcomes := &fakeOutcomes{due: []domain.OutcomePending{pending()}}
	actions := &fakeActions{rec: commentRecord()}
	oracle := &fakeOracle{}
	p := newTestPoller(outcomes, actions, oracle, nil)
	p.accounts.(*fakeAccounts).acct.Status = domain.AccountBanned

	p.drain(context.Background())

	if len(actions.attributed) != 0 {
		t.Error("attributed outcome for banned account")
	}
	if len(outcomes.done) != 1 {
		t.Errorf("done = %v, want the poll retired", outcomes.done)
	}
}

func TestScoreFeedbackCountsMultipleReplies(t *testing.T) {
	replies := []domain.Reply{
		{MessageID: 502, ReplyToID: 501, FromPeer: "@a"},
		{MessageID: 503, ReplyToID: 501, FromPeer: "@b"},
		{MessageID: 504, ReplyToID: 999, FromPeer: "@c"},
	}
	count, reacted := scoreFeedback(replies, 501, "+7000")
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if reacted {
		t.Error("reacted = true with no reactions")
	}
}
