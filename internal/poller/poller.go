// Package poller closes the comment feedback loop: some time after each
// published comment it fetches the thread, counts replies and third-party
// reactions on the comment, writes the attribution back onto the action
// record, and feeds the reward to the strategy oracle. A distributed lock
// keeps one poller active per database.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/observability"
	"github.com/nlgrowth/traffic-engine/internal/pkg/distlock"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
)

const batchLimit = 50

// Reward values per observed feedback, best one wins.
const (
	rewardReply    = 1.0
	rewardReaction = 0.5
)

// Transport is the registry surface the poller needs.
type Transport interface {
	Invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error
}

// Oracle receives attributed rewards.
type Oracle interface {
	Update(ctx context.Context, actionID string, c domain.StrategyContext, strategy domain.Strategy, reward float64) error
}

// ProxyStore resolves account proxy assignments.
type ProxyStore interface {
	Get(ctx context.Context, id string) (*domain.Proxy, error)
}

// Poller drains due outcome polls on a fixed interval.
type Poller struct {
	outcomes   fleet.OutcomeRepository
	actions    fleet.ActionRepository
	accounts   fleet.AccountRepository
	proxies    ProxyStore
	transport  Transport
	oracle     Oracle
	lock       distlock.DistLock
	window     time.Duration
	interval   time.Duration
	defaultLoc *time.Location

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the reply poller. window is how far back FetchReplies looks,
// matching the delay between comment and poll.
func New(
	outcomes fleet.OutcomeRepository,
	actions fleet.ActionRepository,
	accounts fleet.AccountRepository,
	proxies ProxyStore,
	transport Transport,
	oracle Oracle,
	lock distlock.DistLock,
	window, interval time.Duration,
	defaultLoc *time.Location,
) *Poller {
	return &Poller{
		outcomes:   outcomes,
		actions:    actions,
		accounts:   accounts,
		proxies:    proxies,
		transport:  transport,
		oracle:     oracle,
		lock:       lock,
		window:     window,
		interval:   interval,
		defaultLoc: defaultLoc,
	}
}

// Start launches the drain loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("reply poller already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go p.run(ctx)
	log.Printf("[ReplyPoller] started (interval %s, window %s)", p.interval, p.window)
	return nil
}

// Stop halts the loop and waits for the in-flight batch.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[ReplyPoller] stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain processes one batch of due polls under the distributed lock.
func (p *Poller) drain(ctx context.Context) {
	acquired, err := p.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[ReplyPoller] lock acquire: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer p.lock.Release(ctx)

	due, err := p.outcomes.Due(ctx, time.Now().UTC(), batchLimit)
	if err != nil {
		log.Printf("[ReplyPoller] due outcomes: %v", err)
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		if err := p.poll(ctx, &due[i]); err != nil {
			// Left pending; the next tick retries it.
			log.Printf("[ReplyPoller] action %s: %v", due[i].ActionID, err)
		}
	}
}

// poll resolves one pending outcome end to end.
func (p *Poller) poll(ctx context.Context, o *domain.OutcomePending) error {
	acct, err := p.accounts.Get(ctx, o.AccountID)
	if err != nil {
		if err == fleet.ErrNotFound {
			// Account removed; nothing to attribute to.
			return p.outcomes.MarkDone(ctx, o.ActionID)
		}
		return fmt.Errorf("load account: %w", err)
	}
	if acct.Status == domain.AccountBanned {
		return p.outcomes.MarkDone(ctx, o.ActionID)
	}

	var proxy *domain.Proxy
	if acct.ProxyID != nil {
		if proxy, err = p.proxies.Get(ctx, *acct.ProxyID); err != nil {
			return fmt.Errorf("load proxy: %w", err)
		}
	}

	var replies []domain.Reply
	since := o.PollAt.Add(-p.window)
	err = p.transport.Invoke(ctx, acct, proxy, func(ctx context.Context, c telegram.Client) error {
		var err error
		replies, err = c.FetchReplies(ctx, o.ChannelUsername, o.PostMessageID, since)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch replies: %w", err)
	}

	replyCount, reacted := scoreFeedback(replies, o.CommentMessageID, acct.Phone)
	reward := 0.0
	switch {
	case replyCount > 0:
		reward = rewardReply
	case reacted:
		reward = rewardReaction
	}

	if err := p.actions.AttributeOutcome(ctx, o.ActionID, replyCount > 0, replyCount); err != nil {
		return fmt.Errorf("attribute outcome: %w", err)
	}

	rec, err := p.actions.Get(ctx, o.ActionID)
	if err != nil {
		return fmt.Errorf("load action: %w", err)
	}
	if rec.StrategyUsed != nil {
		sctx := domain.StrategyContext{
			Segment: acct.Segment,
			Channel: o.ChannelUsername,
			Slot:    domain.SlotFor(rec.StartedAt.In(acct.Location(p.defaultLoc))),
		}
		if rec.PostTopic != nil {
			sctx.Topic = *rec.PostTopic
		}
		strategy := domain.Strategy(*rec.StrategyUsed)
		if err := p.oracle.Update(ctx, o.ActionID, sctx, strategy, reward); err != nil {
			return fmt.Errorf("oracle update: %w", err)
		}
		observability.StrategyRewardsTotal.WithLabelValues(string(strategy), rewardBucket(reward)).Inc()
	}

	return p.outcomes.MarkDone(ctx, o.ActionID)
}

// scoreFeedback counts direct replies to the comment and reports whether any
// third party reacted to it. The account's own reactions never count; the
// transport reports the owner peer as the account phone.
func scoreFeedback(replies []domain.Reply, commentID int64, ownPeer string) (replyCount int, reacted bool) {
	for _, r := range replies {
		if r.IsReaction {
			if r.MessageID == commentID && r.FromPeer != ownPeer {
				reacted = true
			}
			continue
		}
		if r.ReplyToID == commentID {
			replyCount++
		}
	}
	return replyCount, reacted
}

func rewardBucket(reward float64) string {
	switch reward {
	case rewardReply:
		return "reply"
	case rewardReaction:
		return "reaction"
	default:
		return "none"
	}
}
