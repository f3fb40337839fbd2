// Package dispatch runs one worker goroutine per dispatchable account. Each
// worker plans its day, picks actions under budget, rate-checks them against
// the shared ledger, executes them through the session registry, and records
// every attempt in the action log. A supervisor admits accounts, restarts
// crashed workers, and enforces the fleet cap.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/generator"
	"github.com/nlgrowth/traffic-engine/internal/observability"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
	"github.com/nlgrowth/traffic-engine/internal/warmup"
)

const (
	transientRetries = 3
	idleDelay        = 10 * time.Minute
	shortDelay       = 30 * time.Second
)

// errFiberExit signals the worker loop to stop for this account.
var errFiberExit = errors.New("dispatch: fiber exit")

// RateLedger is the shared daily counter surface; *ledger.Ledger satisfies it.
type RateLedger interface {
	TryIncrement(ctx context.Context, acct *domain.Account, kind domain.ActionKind, limit int) (granted bool, current int, err error)
	DailyCounters(ctx context.Context, acct *domain.Account) (map[domain.ActionKind]int, error)
	Now() time.Time
}

// Oracle selects comment strategies.
type Oracle interface {
	Select(ctx context.Context, c domain.StrategyContext) (domain.Strategy, error)
}

// Transport is the registry surface workers call through. Channel posts go
// through InvokeUpload, which carries the longer upload timeout.
type Transport interface {
	Invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error
	InvokeUpload(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error
}

// ProxyPool hands out and disciplines proxies.
type ProxyPool interface {
	Acquire(ctx context.Context, accountID, excludeID string) (*domain.Proxy, error)
	Get(ctx context.Context, id string) (*domain.Proxy, error)
	ReportFailure(ctx context.Context, proxyID string) (parked bool, err error)
	ReportSuccess(ctx context.Context, proxyID string) error
}

// Deps bundles everything a worker needs.
type Deps struct {
	Accounts fleet.AccountRepository
	Actions  fleet.ActionRepository
	Posts    fleet.PostRepository
	Channels fleet.ChannelRepository
	Outcomes fleet.OutcomeRepository
	Content  fleet.ContentRepository

	Ledger    RateLedger
	Planner   *warmup.Planner
	Oracle    Oracle
	Texts     generator.TextGenerator
	Transport Transport
	Proxies   ProxyPool

	ClaimHorizon time.Duration
	ReplyWindow  time.Duration
	DefaultLoc   *time.Location

	Rand  *rand.Rand
	Sleep func(ctx context.Context, d time.Duration) error
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Worker drives one account.
type Worker struct {
	deps  Deps
	acct  *domain.Account
	proxy *domain.Proxy
}

// NewWorker creates a worker for the account.
func NewWorker(deps Deps, acct *domain.Account) *Worker {
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Sleep == nil {
		deps.Sleep = defaultSleep
	}
	return &Worker{deps: deps, acct: acct}
}

// Run loops until the context ends or the account leaves the dispatchable
// states. Every iteration performs at most one action.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[Dispatcher] account %s worker started", w.acct.ID)
	for {
		delay, err := w.step(ctx)
		if err != nil {
			if errors.Is(err, errFiberExit) || ctx.Err() != nil {
				log.Printf("[Dispatcher] account %s worker stopped", w.acct.ID)
				return
			}
			log.Printf("[Dispatcher] account %s: %v", w.acct.ID, err)
			if delay <= 0 {
				delay = shortDelay
			}
		}
		if w.deps.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// step performs one planning-and-action cycle and returns how long to sleep
// before the next one.
func (w *Worker) step(ctx context.Context) (time.Duration, error) {
	fresh, err := w.deps.Accounts.Get(ctx, w.acct.ID)
	if err != nil {
		return idleDelay, fmt.Errorf("refresh account: %w", err)
	}
	w.acct = fresh
	if !w.acct.Dispatchable() {
		return 0, errFiberExit
	}

	now := w.deps.Ledger.Now()
	if w.acct.InCooldown(now) {
		return w.acct.CooldownUntil.Sub(now), nil
	}

	budget, err := w.deps.Planner.BudgetFor(ctx, w.acct, now)
	if err != nil {
		return idleDelay, err
	}

	local := now.In(w.acct.Location(w.deps.DefaultLoc))
	if wait := budget.Quiet.UntilEnd(local); wait > 0 {
		return wait, nil
	}

	used, err := w.deps.Ledger.DailyCounters(ctx, w.acct)
	if err != nil {
		return idleDelay, fmt.Errorf("daily counters: %w", err)
	}

	kind, ok := w.pickKind(budget, used)
	if !ok {
		return idleDelay, nil // budget spent for the day
	}

	if err := w.ensureProxy(ctx); err != nil {
		return idleDelay, err
	}

	if err := w.execute(ctx, kind, budget); err != nil {
		return w.handleFailure(ctx, err)
	}
	return w.actionDelay(budget), nil
}

// pickKind chooses the next action kind, weighted toward the kinds furthest
// below their quota so the day's mix stays close to the plan.
func (w *Worker) pickKind(budget *warmup.Budget, used map[domain.ActionKind]int) (domain.ActionKind, bool) {
	total := 0
	remaining := make(map[domain.ActionKind]int, len(domain.ActionKinds))
	for _, kind := range domain.ActionKinds {
		r := budget.Remaining(kind, used[kind])
		remaining[kind] = r
		total += r
	}
	if total == 0 {
		return "", false
	}
	pick := w.deps.Rand.Intn(total)
	for _, kind := range domain.ActionKinds {
		if pick < remaining[kind] {
			return kind, true
		}
		pick -= remaining[kind]
	}
	return "", false
}

// actionDelay samples the plan's delay range uniformly, then jitters the
// sample by ±20% so delays never settle into a detectable rhythm.
func (w *Worker) actionDelay(budget *warmup.Budget) time.Duration {
	d := budget.MinDelay
	if span := budget.MaxDelay - budget.MinDelay; span > 0 {
		d += time.Duration(w.deps.Rand.Int63n(int64(span)))
	}
	jitter := 0.8 + 0.4*w.deps.Rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// ensureProxy makes sure the account has a live proxy assignment.
func (w *Worker) ensureProxy(ctx context.Context) error {
	if w.acct.ProxyID == nil {
		return w.replaceProxy(ctx, "")
	}
	if w.proxy == nil || w.proxy.ID != *w.acct.ProxyID {
		p, err := w.deps.Proxies.Get(ctx, *w.acct.ProxyID)
		if err != nil {
			return fmt.Errorf("load proxy: %w", err)
		}
		w.proxy = p
	}
	return nil
}

func (w *Worker) replaceProxy(ctx context.Context, excludeID string) error {
	p, err := w.deps.Proxies.Acquire(ctx, w.acct.ID, excludeID)
	if err != nil {
		return fmt.Errorf("acquire proxy: %w", err)
	}
	if err := w.deps.Accounts.SetProxy(ctx, w.acct.ID, &p.ID); err != nil {
		return fmt.Errorf("assign proxy: %w", err)
	}
	w.proxy = p
	w.acct.ProxyID = &p.ID
	return nil
}

// handleFailure maps an execution error to the account-level reaction.
func (w *Worker) handleFailure(ctx context.Context, err error) (time.Duration, error) {
	if fe, ok := telegram.AsFloodExceeded(err); ok {
		observability.FloodWaitsTotal.WithLabelValues("long").Inc()
		wake := w.deps.Ledger.Now().Add(fe.Wait)
		if perr := w.deps.Accounts.SetCooldown(ctx, w.acct.ID, &wake); perr != nil {
			log.Printf("[Dispatcher] account %s: set cooldown: %v", w.acct.ID, perr)
		}
		log.Printf("[Dispatcher] account %s parked %s for flood wait", w.acct.ID, fe.Wait)
		return fe.Wait, nil
	}

	switch telegram.Classify(err) {
	case domain.ErrBanned:
		if perr := w.deps.Accounts.MarkBanned(ctx, w.acct.ID, err.Error()); perr != nil {
			log.Printf("[Dispatcher] account %s: mark banned: %v", w.acct.ID, perr)
		}
		return 0, errFiberExit
	case domain.ErrAuth:
		if perr := w.deps.Accounts.Transition(ctx, w.acct.ID, w.acct.Status, domain.AccountPaused); perr != nil {
			log.Printf("[Dispatcher] account %s: pause: %v", w.acct.ID, perr)
		}
		return 0, errFiberExit
	case domain.ErrProxyFailure:
		if w.proxy != nil {
			parked, perr := w.deps.Proxies.ReportFailure(ctx, w.proxy.ID)
			if perr != nil {
				return shortDelay, perr
			}
			if parked {
				if perr := w.replaceProxy(ctx, w.proxy.ID); perr != nil {
					return idleDelay, perr
				}
			}
		}
		return shortDelay, err
	default:
		return shortDelay, err
	}
}

// skippable marks conditions that end the attempt without an action record:
// no target available, lost claim race, rate denial, generation drop.
type skipReason string

func (s skipReason) Error() string { return string(s) }

// execute runs one action of the kind end to end.
func (w *Worker) execute(ctx context.Context, kind domain.ActionKind, budget *warmup.Budget) error {
	var err error
	switch kind {
	case domain.ActionComment:
		err = w.comment(ctx, budget)
	case domain.ActionReaction:
		err = w.react(ctx, budget)
	case domain.ActionSubscribe:
		err = w.subscribe(ctx, budget)
	case domain.ActionStoryView:
		err = w.story(ctx, budget, false)
	case domain.ActionStoryReact:
		err = w.story(ctx, budget, true)
	case domain.ActionMessage:
		err = w.scheduledContent(ctx, budget, domain.ContentMessage)
	case domain.ActionPost:
		err = w.scheduledContent(ctx, budget, domain.ContentPost)
	}
	if _, ok := err.(skipReason); ok {
		return nil // nothing attempted, nothing to record
	}
	return err
}

// admit burns one unit of today's quota. Denial skips the attempt entirely;
// the transport is never reached past a full counter.
func (w *Worker) admit(ctx context.Context, kind domain.ActionKind, budget *warmup.Budget) error {
	granted, _, err := w.deps.Ledger.TryIncrement(ctx, w.acct, kind, budget.Quotas[kind])
	if err != nil {
		return fmt.Errorf("rate ledger: %w", err)
	}
	if !granted {
		return skipReason("rate limit reached for " + string(kind))
	}
	return nil
}

// perform records and runs one transport call.
func (w *Worker) perform(ctx context.Context, kind domain.ActionKind, targetRef string, fn func(ctx context.Context, c telegram.Client) error) (*domain.ActionRecord, error) {
	rec := &domain.ActionRecord{
		AccountID: w.acct.ID,
		Kind:      kind,
		TargetRef: targetRef,
		StartedAt: w.deps.Ledger.Now().UTC(),
	}
	if err := w.deps.Actions.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}

	invoke := w.deps.Transport.Invoke
	if kind == domain.ActionPost {
		invoke = w.deps.Transport.InvokeUpload
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = invoke(ctx, w.acct, w.proxy, fn)
		if err == nil {
			break
		}
		if _, flood := telegram.AsFloodExceeded(err); flood {
			break
		}
		if !telegram.Retryable(telegram.Classify(err)) || attempt >= transientRetries {
			break
		}
		if serr := w.deps.Sleep(ctx, time.Duration(attempt)*2*time.Second); serr != nil {
			break
		}
	}

	now := w.deps.Ledger.Now().UTC()
	outcome, errKind := classifyOutcome(err)
	if ferr := w.deps.Actions.Finish(ctx, rec.ID, outcome, errKind, now); ferr != nil {
		log.Printf("[Dispatcher] account %s: finish action %s: %v", w.acct.ID, rec.ID, ferr)
	}
	observability.ActionsTotal.WithLabelValues(string(kind), string(outcome)).Inc()

	if err == nil {
		if w.proxy != nil {
			w.deps.Proxies.ReportSuccess(ctx, w.proxy.ID)
		}
		w.deps.Accounts.TouchActivity(ctx, w.acct.ID, now)
	}
	return rec, err
}

func classifyOutcome(err error) (domain.ActionOutcome, *domain.ErrorKind) {
	if err == nil {
		return domain.OutcomeSuccess, nil
	}
	if _, ok := telegram.AsFloodExceeded(err); ok {
		kind := domain.ErrFloodWaitLong
		return domain.OutcomeFloodWait, &kind
	}
	kind := telegram.Classify(err)
	if kind == domain.ErrPeerNotAccessible || kind == domain.ErrContentRejected {
		return domain.OutcomeBlocked, &kind
	}
	return domain.OutcomeError, &kind
}

// comment claims an unclaimed post, generates a strategy-toned comment, and
// publishes it. The claim makes the post this account's exclusively.
func (w *Worker) comment(ctx context.Context, budget *warmup.Budget) error {
	post, err := w.deps.Posts.NextUnclaimed(ctx, w.acct.Segment, w.deps.ClaimHorizon)
	if err != nil {
		if errors.Is(err, fleet.ErrNoEligibleTarget) {
			return skipReason("no unclaimed posts")
		}
		return err
	}

	exists, err := w.deps.Actions.CommentExists(ctx, post.TargetRef())
	if err != nil {
		return err
	}
	if exists {
		return skipReason("post already commented")
	}

	if err := w.deps.Posts.Claim(ctx, post.ID, w.acct.ID, w.deps.ClaimHorizon); err != nil {
		if errors.Is(err, fleet.ErrClaimDenied) {
			observability.ClaimRacesTotal.Inc()
			return skipReason("claim lost")
		}
		return err
	}

	local := w.deps.Ledger.Now().In(w.acct.Location(w.deps.DefaultLoc))
	sctx := domain.StrategyContext{
		Segment: w.acct.Segment,
		Channel: post.ChannelUsername,
		Slot:    domain.SlotFor(local),
		Topic:   post.Topic,
	}
	strategy, err := w.deps.Oracle.Select(ctx, sctx)
	if err != nil {
		return err
	}
	observability.StrategySelectionsTotal.WithLabelValues(string(strategy)).Inc()

	text, err := w.deps.Texts.Generate(ctx, generator.Request{
		Kind:     generator.KindComment,
		Segment:  w.acct.Segment,
		Strategy: strategy,
		Topic:    post.Topic,
		Excerpt:  post.Excerpt,
		Persona:  w.acct.PersonaName,
		Channel:  post.ChannelUsername,
	})
	if err != nil {
		// No canned fallback for comments: the claim is spent, the post is skipped.
		log.Printf("[Dispatcher] account %s: comment text for %s dropped: %v", w.acct.ID, post.TargetRef(), err)
		return skipReason("comment generation failed")
	}

	if err := w.admit(ctx, domain.ActionComment, budget); err != nil {
		return err
	}

	var messageID int64
	rec, err := w.perform(ctx, domain.ActionComment, post.TargetRef(), func(ctx context.Context, c telegram.Client) error {
		var err error
		messageID, err = c.SendComment(ctx, post.ChannelUsername, post.MessageID, text)
		return err
	})
	if err != nil {
		return err
	}

	if err := w.deps.Actions.SetCommentResult(ctx, rec.ID, messageID, strategy, post.Topic); err != nil {
		return err
	}
	return w.deps.Outcomes.Enqueue(ctx, &domain.OutcomePending{
		ActionID:         rec.ID,
		AccountID:        w.acct.ID,
		ChannelUsername:  post.ChannelUsername,
		PostMessageID:    post.MessageID,
		CommentMessageID: messageID,
		PollAt:           w.deps.Ledger.Now().UTC().Add(w.deps.ReplyWindow),
	})
}

var reactionEmojis = []string{"👍", "❤️", "🔥", "💯", "👏"}

func (w *Worker) react(ctx context.Context, budget *warmup.Budget) error {
	post, err := w.deps.Posts.NextUnclaimed(ctx, w.acct.Segment, w.deps.ClaimHorizon)
	if err != nil {
		if errors.Is(err, fleet.ErrNoEligibleTarget) {
			return skipReason("no recent posts")
		}
		return err
	}

	if err := w.admit(ctx, domain.ActionReaction, budget); err != nil {
		return err
	}
	emoji := reactionEmojis[w.deps.Rand.Intn(len(reactionEmojis))]
	_, err = w.perform(ctx, domain.ActionReaction, post.TargetRef(), func(ctx context.Context, c telegram.Client) error {
		return c.React(ctx, post.TargetRef(), emoji)
	})
	return err
}

func (w *Worker) subscribe(ctx context.Context, budget *warmup.Budget) error {
	ch, err := w.deps.Channels.NextUnjoined(ctx, w.acct.ID, w.acct.Segment)
	if err != nil {
		if errors.Is(err, fleet.ErrNoEligibleTarget) {
			return skipReason("no channels left to join")
		}
		return err
	}

	if err := w.admit(ctx, domain.ActionSubscribe, budget); err != nil {
		return err
	}
	_, err = w.perform(ctx, domain.ActionSubscribe, ch.Username, func(ctx context.Context, c telegram.Client) error {
		return c.Subscribe(ctx, ch.Username)
	})
	if err != nil {
		return err
	}
	return w.deps.Channels.MarkJoined(ctx, ch.ID, w.acct.ID, w.deps.Ledger.Now().UTC())
}

func (w *Worker) story(ctx context.Context, budget *warmup.Budget, reactAfter bool) error {
	owners, err := w.deps.Channels.StoryOwners(ctx, w.acct.ID, w.acct.Segment, 1)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return skipReason("no story owners in cohort")
	}
	owner := owners[0]

	kind := domain.ActionStoryView
	if reactAfter {
		kind = domain.ActionStoryReact
	}
	if err := w.admit(ctx, kind, budget); err != nil {
		return err
	}

	targetRef := owner + ":story"
	_, err = w.perform(ctx, kind, targetRef, func(ctx context.Context, c telegram.Client) error {
		if err := c.ViewStory(ctx, owner, 0); err != nil {
			return err
		}
		if reactAfter {
			return c.React(ctx, targetRef, reactionEmojis[w.deps.Rand.Intn(len(reactionEmojis))])
		}
		return nil
	})
	return err
}

// scheduledContent serves the content queue: direct messages and posts to
// the account's linked channel.
func (w *Worker) scheduledContent(ctx context.Context, budget *warmup.Budget, kind domain.ContentKind) error {
	item, err := w.deps.Content.NextDue(ctx, w.acct.ID, w.acct.Segment, kind, w.deps.Ledger.Now().UTC())
	if err != nil {
		if errors.Is(err, fleet.ErrNoEligibleTarget) {
			return skipReason("no content due")
		}
		return err
	}

	body := item.Body
	if body == "" {
		genKind := generator.KindPost
		if kind == domain.ContentMessage {
			genKind = generator.KindDirectMessage
		}
		if body, err = w.deps.Texts.Generate(ctx, generator.Request{
			Kind:    genKind,
			Segment: w.acct.Segment,
			Topic:   item.Topic,
			Persona: w.acct.PersonaName,
		}); err != nil {
			return err
		}
	}

	actionKind := domain.ActionPost
	targetRef := "own-channel"
	if kind == domain.ContentMessage {
		actionKind = domain.ActionMessage
		targetRef = item.PeerRef
	}
	if kind == domain.ContentPost && w.acct.LinkedChannelID == nil {
		return skipReason("account has no linked channel")
	}

	if err := w.admit(ctx, actionKind, budget); err != nil {
		return err
	}
	_, err = w.perform(ctx, actionKind, targetRef, func(ctx context.Context, c telegram.Client) error {
		if kind == domain.ContentMessage {
			return c.SendDirect(ctx, item.PeerRef, body)
		}
		_, err := c.PublishPost(ctx, *w.acct.LinkedChannelID, body)
		return err
	})
	if err != nil {
		return err
	}
	return w.deps.Content.MarkRun(ctx, item.ID, w.deps.Ledger.Now().UTC())
}
