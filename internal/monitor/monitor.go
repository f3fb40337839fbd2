// Package monitor polls monitored third-party channels for new posts and
// records fresh observations for the dispatcher to claim. A distributed lock
// keeps exactly one monitor active when multiple engine processes share a
// database.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/observability"
	"github.com/nlgrowth/traffic-engine/internal/pkg/distlock"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
)

const (
	fetchLimit    = 10
	excerptRunes  = 200
	seenKeyTTL    = 48 * time.Hour
	seenKeyFormat = "traffic:seen:%s:%d"
)

// Transport is the registry surface the monitor needs.
type Transport interface {
	Invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c telegram.Client) error) error
}

// ProxyStore resolves the reader account's assigned proxy.
type ProxyStore interface {
	Get(ctx context.Context, id string) (*domain.Proxy, error)
}

// Monitor is the channel-post watcher. One reader account fetches recent
// posts from every active target channel on a fixed interval; unseen posts
// are classified and stored.
type Monitor struct {
	channels  fleet.ChannelRepository
	posts     fleet.PostRepository
	accounts  fleet.AccountRepository
	proxies   ProxyStore
	transport Transport
	redis     *redis.Client
	lock      distlock.DistLock
	readerID  string
	interval  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a channel monitor. readerID names the dedicated account whose
// session performs the fetches.
func New(
	channels fleet.ChannelRepository,
	posts fleet.PostRepository,
	accounts fleet.AccountRepository,
	proxies ProxyStore,
	transport Transport,
	rdb *redis.Client,
	lock distlock.DistLock,
	readerID string,
	interval time.Duration,
) *Monitor {
	return &Monitor{
		channels:  channels,
		posts:     posts,
		accounts:  accounts,
		proxies:   proxies,
		transport: transport,
		redis:     rdb,
		lock:      lock,
		readerID:  readerID,
		interval:  interval,
	}
}

// Start launches the poll loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("channel monitor already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.run(ctx)
	log.Printf("[ChannelMonitor] started (interval %s, reader %s)", m.interval, m.readerID)
	return nil
}

// Stop halts the loop and waits for the in-flight sweep.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.Printf("[ChannelMonitor] stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep fetches every active channel once. Held under the distributed lock
// so concurrent engine processes do not double-observe.
func (m *Monitor) sweep(ctx context.Context) {
	acquired, err := m.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[ChannelMonitor] lock acquire: %v", err)
		return
	}
	if !acquired {
		return // another process holds the sweep
	}
	defer m.lock.Release(ctx)

	reader, err := m.accounts.Get(ctx, m.readerID)
	if err != nil {
		log.Printf("[ChannelMonitor] reader account %s: %v", m.readerID, err)
		return
	}
	var proxy *domain.Proxy
	if reader.ProxyID != nil {
		if proxy, err = m.proxies.Get(ctx, *reader.ProxyID); err != nil {
			log.Printf("[ChannelMonitor] reader proxy: %v", err)
			return
		}
	}

	channels, err := m.channels.ListActive(ctx, "")
	if err != nil {
		log.Printf("[ChannelMonitor] list channels: %v", err)
		return
	}

	for _, ch := range channels {
		if ctx.Err() != nil {
			return
		}
		if err := m.fetchChannel(ctx, reader, proxy, ch); err != nil {
			log.Printf("[ChannelMonitor] channel %s: %v", ch.Username, err)
		}
	}
}

func (m *Monitor) fetchChannel(ctx context.Context, reader *domain.Account, proxy *domain.Proxy, ch domain.TargetChannel) error {
	var posts []telegram.Post
	err := m.transport.Invoke(ctx, reader, proxy, func(ctx context.Context, c telegram.Client) error {
		var err error
		posts, err = c.FetchPosts(ctx, ch.Username, fetchLimit)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch posts: %w", err)
	}

	now := time.Now().UTC()
	for _, p := range posts {
		fresh, err := m.markSeen(ctx, ch.Username, p.MessageID)
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
		if !fresh {
			continue
		}
		inserted, err := m.posts.Observe(ctx, &domain.PostObservation{
			ChannelUsername: ch.Username,
			MessageID:       p.MessageID,
			SeenAt:          now,
			Topic:           ClassifyTopic(p.Text),
			Excerpt:         excerpt(p.Text, excerptRunes),
		})
		if err != nil {
			// Release the dedup key so the next poll retries the insert.
			m.unmarkSeen(ctx, ch.Username, p.MessageID)
			return fmt.Errorf("observe: %w", err)
		}
		if inserted {
			observability.PostsObservedTotal.WithLabelValues(ch.Username).Inc()
		}
	}
	return nil
}

// markSeen is the fast-path dedup in front of the database unique index.
// Returns true when the post has not been seen before.
func (m *Monitor) markSeen(ctx context.Context, channel string, messageID int64) (bool, error) {
	key := fmt.Sprintf(seenKeyFormat, channel, messageID)
	return m.redis.SetNX(ctx, key, 1, seenKeyTTL).Result()
}

func (m *Monitor) unmarkSeen(ctx context.Context, channel string, messageID int64) {
	key := fmt.Sprintf(seenKeyFormat, channel, messageID)
	if err := m.redis.Del(ctx, key).Err(); err != nil {
		log.Printf("[ChannelMonitor] release dedup key %s: %v", key, err)
	}
}
