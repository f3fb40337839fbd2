// Package funnel runs the two-tier invite funnel: short-lived, usage-capped
// invite links into a gated VIP channel, published through teaser posts in a
// public channel. A minute sweeper expires links and deletes stale teasers;
// join events on the VIP channel are attributed back to the link that
// produced them.
package funnel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/generator"
	"github.com/nlgrowth/traffic-engine/internal/observability"
	"github.com/nlgrowth/traffic-engine/internal/pkg/distlock"
	"github.com/nlgrowth/traffic-engine/internal/pkg/logger"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
)

// Store is the persistence surface the funnel needs; *postgres.InviteRepo
// satisfies it.
type Store interface {
	Create(ctx context.Context, l *domain.InviteLink) error
	AttachTeaser(ctx context.Context, id string, channel string, messageID int64, autoDeleteAt time.Time) error
	ExpireDue(ctx context.Context, now time.Time) ([]domain.InviteLink, error)
	DueTeaserDeletions(ctx context.Context, now time.Time) ([]domain.InviteLink, error)
	ClearTeaser(ctx context.Context, id string) error
	FindActiveByHash(ctx context.Context, hash string, at time.Time) (*domain.InviteLink, error)
	RecordJoin(ctx context.Context, id string) error
	CreateConversion(ctx context.Context, c *domain.FunnelConversion) error
}

// Transport is the registry surface the funnel needs.
type Transport interface {
	Invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error
}

// ProxyStore resolves the owner account's proxy.
type ProxyStore interface {
	Get(ctx context.Context, id string) (*domain.Proxy, error)
}

// Manager issues invite links through the VIP channel's owner account and
// publishes the accompanying teaser.
type Manager struct {
	store     Store
	accounts  fleet.AccountRepository
	proxies   ProxyStore
	transport Transport
	texts     generator.TextGenerator

	ownerID       string
	vipChannelID  int64
	teaserChannel string // public channel username the teaser lands in
	expire        time.Duration
	usageLimit    int
}

// NewManager creates the invite manager. ownerID is the account that
// administers the VIP channel and owns the public teaser channel.
func NewManager(
	store Store,
	accounts fleet.AccountRepository,
	proxies ProxyStore,
	transport Transport,
	texts generator.TextGenerator,
	ownerID string,
	vipChannelID int64,
	teaserChannel string,
	expire time.Duration,
	usageLimit int,
) *Manager {
	return &Manager{
		store:         store,
		accounts:      accounts,
		proxies:       proxies,
		transport:     transport,
		texts:         texts,
		ownerID:       ownerID,
		vipChannelID:  vipChannelID,
		teaserChannel: teaserChannel,
		expire:        expire,
		usageLimit:    usageLimit,
	}
}

func (m *Manager) owner(ctx context.Context) (*domain.Account, *domain.Proxy, error) {
	acct, err := m.accounts.Get(ctx, m.ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("owner account: %w", err)
	}
	var proxy *domain.Proxy
	if acct.ProxyID != nil {
		if proxy, err = m.proxies.Get(ctx, *acct.ProxyID); err != nil {
			return nil, nil, fmt.Errorf("owner proxy: %w", err)
		}
	}
	return acct, proxy, nil
}

// Issue creates one invite link and publishes its teaser. The link survives
// even if the teaser fails; the sweeper still expires it on schedule.
func (m *Manager) Issue(ctx context.Context, segment domain.Segment, topic string) (*domain.InviteLink, error) {
	acct, proxy, err := m.owner(ctx)
	if err != nil {
		return nil, err
	}

	expireAt := time.Now().UTC().Add(m.expire)
	var invite *telegram.Invite
	err = m.transport.Invoke(ctx, acct, proxy, func(ctx context.Context, c telegram.Client) error {
		var err error
		invite, err = c.CreateInviteLink(ctx, m.vipChannelID, expireAt, m.usageLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create invite link: %w", err)
	}

	link := &domain.InviteLink{
		TargetChannelID: m.vipChannelID,
		URL:             invite.URL,
		InviteHash:      invite.Hash,
		ExpireAt:        expireAt,
		UsageLimit:      m.usageLimit,
		Status:          domain.InviteActive,
	}
	if err := m.store.Create(ctx, link); err != nil {
		return nil, err
	}

	if err := m.publishTeaser(ctx, acct, proxy, link, segment, topic); err != nil {
		log.Printf("[InviteFunnel] teaser for link %s: %v", link.ID, err)
	}
	return link, nil
}

func (m *Manager) publishTeaser(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, link *domain.InviteLink, segment domain.Segment, topic string) error {
	if acct.LinkedChannelID == nil {
		return fmt.Errorf("owner has no linked channel")
	}
	text, err := m.texts.Generate(ctx, generator.Request{
		Kind:    generator.KindInviteTeaser,
		Segment: segment,
		Topic:   topic,
		Persona: acct.PersonaName,
	})
	if err != nil {
		return fmt.Errorf("teaser text: %w", err)
	}

	var messageID int64
	err = m.transport.Invoke(ctx, acct, proxy, func(ctx context.Context, c telegram.Client) error {
		var err error
		messageID, err = c.PublishPost(ctx, *acct.LinkedChannelID, text+"\n\n"+link.URL)
		return err
	})
	if err != nil {
		return fmt.Errorf("publish teaser: %w", err)
	}

	// The teaser dies with the link.
	if err := m.store.AttachTeaser(ctx, link.ID, m.teaserChannel, messageID, link.ExpireAt); err != nil {
		return err
	}
	link.TeaserChannel = m.teaserChannel
	link.TeaserMessageID = &messageID
	link.AutoDeleteAt = &link.ExpireAt
	return nil
}

// Sweeper expires due links and deletes stale teaser posts once a minute.
type Sweeper struct {
	manager  *Manager
	lock     distlock.DistLock
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper creates the expiry sweeper.
func NewSweeper(manager *Manager, lock distlock.DistLock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{manager: manager, lock: lock, interval: interval}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("invite sweeper already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.run(ctx)
	log.Printf("[InviteSweeper] started (interval %s)", s.interval)
	return nil
}

// Stop halts the loop and waits for the in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[InviteSweeper] stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[InviteSweeper] lock acquire: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer s.lock.Release(ctx)

	now := time.Now().UTC()
	acct, proxy, err := s.manager.owner(ctx)
	if err != nil {
		log.Printf("[InviteSweeper] %v", err)
		return
	}

	expired, err := s.manager.store.ExpireDue(ctx, now)
	if err != nil {
		log.Printf("[InviteSweeper] expire due: %v", err)
	}
	for _, link := range expired {
		err := s.manager.transport.Invoke(ctx, acct, proxy, func(ctx context.Context, c telegram.Client) error {
			return c.RevokeInviteLink(ctx, link.TargetChannelID, link.InviteHash)
		})
		if err != nil {
			// Already expired server-side; the DB row is authoritative.
			log.Printf("[InviteSweeper] revoke %s: %v", link.ID, err)
		}
	}

	stale, err := s.manager.store.DueTeaserDeletions(ctx, now)
	if err != nil {
		log.Printf("[InviteSweeper] teaser deletions: %v", err)
		return
	}
	for _, link := range stale {
		err := s.manager.transport.Invoke(ctx, acct, proxy, func(ctx context.Context, c telegram.Client) error {
			return c.DeleteMessage(ctx, link.TeaserChannel, *link.TeaserMessageID)
		})
		if err != nil {
			log.Printf("[InviteSweeper] delete teaser %s: %v", link.ID, err)
			continue
		}
		if err := s.manager.store.ClearTeaser(ctx, link.ID); err != nil {
			log.Printf("[InviteSweeper] clear teaser %s: %v", link.ID, err)
		}
	}
}

// Publisher issues a fresh teaser on a fixed cadence. Issuance runs under a
// distlock so two engine processes never double-post the same slot.
type Publisher struct {
	manager  *Manager
	lock     distlock.DistLock
	interval time.Duration
	segment  domain.Segment
	topic    string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPublisher creates the periodic teaser publisher. interval <= 0 disables
// it: Start becomes a no-op so operators can run issuance manually.
func NewPublisher(manager *Manager, lock distlock.DistLock, interval time.Duration, segment domain.Segment, topic string) *Publisher {
	if segment == "" {
		segment = domain.SegmentUniversal
	}
	return &Publisher{
		manager:  manager,
		lock:     lock,
		interval: interval,
		segment:  segment,
		topic:    topic,
	}
}

// Start launches the publish loop.
func (p *Publisher) Start(ctx context.Context) error {
	if p.interval <= 0 {
		log.Printf("[InvitePublisher] disabled (no interval configured)")
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("invite publisher already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go p.run(ctx)
	log.Printf("[InvitePublisher] started (interval %s, segment %s)", p.interval, p.segment)
	return nil
}

// Stop halts the loop and waits for the in-flight publication. It is a
// no-op when the publisher is disabled or already stopped.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[InvitePublisher] stopped")
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	acquired, err := p.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[InvitePublisher] lock acquire: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer p.lock.Release(ctx)

	link, err := p.manager.Issue(ctx, p.segment, p.topic)
	if err != nil {
		log.Printf("[InvitePublisher] issue: %v", err)
		return
	}
	log.Printf("[InvitePublisher] published invite %s (expires %s)", link.ID, link.ExpireAt.Format(time.RFC3339))
}

// Attributor consumes VIP-channel join events and attributes them to the
// invite link that produced them.
type Attributor struct {
	store  Store
	stream telegram.JoinStream

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAttributor creates the join attributor.
func NewAttributor(store Store, stream telegram.JoinStream) *Attributor {
	return &Attributor{store: store, stream: stream}
}

// Start launches the consume loop.
func (a *Attributor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("join attributor already running")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.running = true

	a.wg.Add(1)
	go a.run(ctx)
	log.Printf("[JoinAttributor] started")
	return nil
}

// Stop halts the loop.
func (a *Attributor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	log.Printf("[JoinAttributor] stopped")
}

func (a *Attributor) run(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.stream.Joins():
			if !ok {
				return
			}
			if err := a.attribute(ctx, ev); err != nil {
				log.Printf("[JoinAttributor] user %d: %v", ev.UserID, err)
			}
		}
	}
}

// attribute records one join against its link. Unknown or dead hashes are
// ignored: organic joins carry no tracked invite.
func (a *Attributor) attribute(ctx context.Context, ev telegram.JoinEvent) error {
	link, err := a.store.FindActiveByHash(ctx, ev.InviteHash, ev.JoinedAt)
	if err == fleet.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := a.store.RecordJoin(ctx, link.ID); err != nil && err != fleet.ErrNotFound {
		return err
	}
	if err := a.store.CreateConversion(ctx, &domain.FunnelConversion{
		UserID:          ev.UserID,
		InviteLinkID:    link.ID,
		SourceChannelID: ev.ChannelID,
		JoinedAt:        ev.JoinedAt,
		Status:          domain.ConversionJoined,
	}); err != nil {
		return err
	}
	observability.InviteJoinsTotal.Inc()
	logger.Info("funnel conversion recorded",
		"user", ev.UserID, "invite", link.ID, "source_channel", ev.ChannelID)
	return nil
}
