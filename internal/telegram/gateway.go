package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// GatewayDialer opens sessions against the MTProto session gateway, the
// sidecar daemon that holds the actual userbot transports. The engine speaks
// plain JSON over HTTP to it; the gateway translates to MTProto.
//
// Calls are deliberately NOT retried at this layer: a comment or post send
// must never be replayed blindly. The dispatcher owns retry policy per the
// classified error kind.
type GatewayDialer struct {
	client  HTTPDoer
	baseURL string
	token   string
}

// NewGatewayDialer creates a dialer for the gateway at baseURL.
func NewGatewayDialer(client HTTPDoer, baseURL, token string) *GatewayDialer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &GatewayDialer{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type openSessionRequest struct {
	AccountID string `json:"account_id"`
	Session   []byte `json:"session"` // decrypted session material, base64 on the wire
	ProxyURL  string `json:"proxy_url,omitempty"`
}

type openSessionResponse struct {
	SessionToken string `json:"session_token"`
}

// Dial opens one gateway session for the account and returns a Client bound
// to it.
func (d *GatewayDialer) Dial(ctx context.Context, acct *domain.Account, session []byte, proxy *domain.Proxy) (Client, error) {
	req := openSessionRequest{AccountID: acct.ID, Session: session}
	if proxy != nil {
		req.ProxyURL = proxyURL(proxy)
	}

	var resp openSessionResponse
	if err := d.post(ctx, "/v1/sessions/open", "", req, &resp); err != nil {
		return nil, fmt.Errorf("open session for %s: %w", acct.ID, err)
	}
	return &gatewayClient{dialer: d, accountID: acct.ID, sessionToken: resp.SessionToken}, nil
}

func proxyURL(p *domain.Proxy) string {
	u := url.URL{Scheme: string(p.Kind), Host: p.Endpoint}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// gatewayError is the gateway's structured error envelope, mapped onto the
// engine's taxonomy in toTaxonomy.
type gatewayError struct {
	Kind             string `json:"kind"`
	Message          string `json:"message"`
	FloodWaitSeconds int    `json:"flood_wait_seconds"`
	ProxyID          string `json:"proxy_id"`
}

type callEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *gatewayError   `json:"error"`
}

func (e *gatewayError) toTaxonomy() error {
	switch e.Kind {
	case "flood_wait":
		return NewFloodWait(time.Duration(e.FloodWaitSeconds) * time.Second)
	case "auth":
		return fmt.Errorf("%w: %s", ErrAuth, e.Message)
	case "banned":
		return fmt.Errorf("%w: %s", ErrBanned, e.Message)
	case "peer":
		return fmt.Errorf("%w: %s", ErrPeerNotAccessible, e.Message)
	case "content":
		return fmt.Errorf("%w: %s", ErrContentRejected, e.Message)
	case "proxy":
		return &ProxyError{ProxyID: e.ProxyID, Err: fmt.Errorf("%s", e.Message)}
	default:
		return fmt.Errorf("gateway: %s: %s", e.Kind, e.Message)
	}
}

func (d *GatewayDialer) post(ctx context.Context, path, sessionToken string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	if sessionToken != "" {
		req.Header.Set("X-Session-Token", sessionToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Transport-level failures reach Telegram through the proxy, so they
		// classify as transient; the dispatcher decides whether to retry.
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var env callEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !env.OK {
		if env.Error == nil {
			return fmt.Errorf("gateway: call failed without error detail")
		}
		return env.Error.toTaxonomy()
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// gatewayClient is one open session on the gateway.
type gatewayClient struct {
	dialer       *GatewayDialer
	accountID    string
	sessionToken string
}

func (c *gatewayClient) call(ctx context.Context, method string, params, result interface{}) error {
	body := struct {
		Method string      `json:"method"`
		Params interface{} `json:"params"`
	}{Method: method, Params: params}
	return c.dialer.post(ctx, "/v1/call", c.sessionToken, body, result)
}

func (c *gatewayClient) SendComment(ctx context.Context, channel string, postID int64, text string) (int64, error) {
	var out struct {
		MessageID int64 `json:"message_id"`
	}
	err := c.call(ctx, "send_comment", map[string]interface{}{
		"channel": channel, "post_id": postID, "text": text,
	}, &out)
	return out.MessageID, err
}

func (c *gatewayClient) ViewStory(ctx context.Context, owner string, storyID int64) error {
	return c.call(ctx, "view_story", map[string]interface{}{
		"owner": owner, "story_id": storyID,
	}, nil)
}

func (c *gatewayClient) React(ctx context.Context, target, emoji string) error {
	return c.call(ctx, "react", map[string]interface{}{
		"target": target, "emoji": emoji,
	}, nil)
}

func (c *gatewayClient) Subscribe(ctx context.Context, channel string) error {
	return c.call(ctx, "subscribe", map[string]interface{}{"channel": channel}, nil)
}

func (c *gatewayClient) SendDirect(ctx context.Context, peer, text string) error {
	return c.call(ctx, "send_direct", map[string]interface{}{
		"peer": peer, "text": text,
	}, nil)
}

func (c *gatewayClient) PublishPost(ctx context.Context, channelID int64, text string) (int64, error) {
	var out struct {
		MessageID int64 `json:"message_id"`
	}
	err := c.call(ctx, "publish_post", map[string]interface{}{
		"channel_id": channelID, "text": text,
	}, &out)
	return out.MessageID, err
}

func (c *gatewayClient) CreateInviteLink(ctx context.Context, channelID int64, expire time.Time, usageLimit int) (*Invite, error) {
	var out struct {
		URL      string `json:"url"`
		Hash     string `json:"hash"`
		ExpireAt int64  `json:"expire_at"`
	}
	err := c.call(ctx, "create_invite_link", map[string]interface{}{
		"channel_id": channelID, "expire_at": expire.Unix(), "usage_limit": usageLimit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &Invite{
		URL:        out.URL,
		Hash:       out.Hash,
		ExpireAt:   time.Unix(out.ExpireAt, 0).UTC(),
		UsageLimit: usageLimit,
	}, nil
}

func (c *gatewayClient) RevokeInviteLink(ctx context.Context, channelID int64, hash string) error {
	return c.call(ctx, "revoke_invite_link", map[string]interface{}{
		"channel_id": channelID, "hash": hash,
	}, nil)
}

func (c *gatewayClient) DeleteMessage(ctx context.Context, channel string, messageID int64) error {
	return c.call(ctx, "delete_message", map[string]interface{}{
		"channel": channel, "message_id": messageID,
	}, nil)
}

func (c *gatewayClient) FetchReplies(ctx context.Context, channel string, postID int64, since time.Time) ([]domain.Reply, error) {
	var out struct {
		Replies []domain.Reply `json:"replies"`
	}
	err := c.call(ctx, "fetch_replies", map[string]interface{}{
		"channel": channel, "post_id": postID, "since": since.Unix(),
	}, &out)
	return out.Replies, err
}

func (c *gatewayClient) FetchPosts(ctx context.Context, channel string, limit int) ([]Post, error) {
	var out struct {
		Posts []struct {
			MessageID int64  `json:"message_id"`
			Text      string `json:"text"`
			PostedAt  int64  `json:"posted_at"`
		} `json:"posts"`
	}
	if err := c.call(ctx, "fetch_posts", map[string]interface{}{
		"channel": channel, "limit": limit,
	}, &out); err != nil {
		return nil, err
	}
	posts := make([]Post, 0, len(out.Posts))
	for _, p := range out.Posts {
		posts = append(posts, Post{
			MessageID: p.MessageID,
			Text:      p.Text,
			PostedAt:  time.Unix(p.PostedAt, 0).UTC(),
		})
	}
	return posts, nil
}

func (c *gatewayClient) CheckSpamStatus(ctx context.Context) (SpamStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "check_spam_status", nil, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "limited":
		return SpamStatusLimited, nil
	case "banned":
		return SpamStatusBanned, nil
	default:
		return SpamStatusOK, nil
	}
}

func (c *gatewayClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.dialer.post(ctx, "/v1/sessions/close", c.sessionToken, struct{}{}, nil)
}

// GatewayJoinStream long-polls the gateway for VIP channel membership
// updates and fans them into a channel the funnel attributor consumes.
type GatewayJoinStream struct {
	dialer    *GatewayDialer
	channelID int64
	events    chan JoinEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewGatewayJoinStream creates a join stream for the given gated channel.
func NewGatewayJoinStream(dialer *GatewayDialer, channelID int64) *GatewayJoinStream {
	return &GatewayJoinStream{
		dialer:    dialer,
		channelID: channelID,
		events:    make(chan JoinEvent, 64),
	}
}

// Joins returns the membership update channel. Closed on Stop.
func (s *GatewayJoinStream) Joins() <-chan JoinEvent { return s.events }

// Start launches the long-poll loop.
func (s *GatewayJoinStream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts polling and closes the event channel.
func (s *GatewayJoinStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	close(s.events)
}

type joinBatch struct {
	Events []struct {
		UserID     int64  `json:"user_id"`
		InviteHash string `json:"invite_hash"`
		JoinedAt   int64  `json:"joined_at"`
	} `json:"events"`
	NextOffset int64 `json:"next_offset"`
}

func (s *GatewayJoinStream) run(ctx context.Context) {
	defer s.wg.Done()
	var offset int64
	for ctx.Err() == nil {
		var batch joinBatch
		err := s.dialer.post(ctx, "/v1/joins", "", map[string]interface{}{
			"channel_id": s.channelID, "offset": offset, "timeout_seconds": 25,
		}, &batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[JoinStream] poll: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		offset = batch.NextOffset
		for _, ev := range batch.Events {
			select {
			case s.events <- JoinEvent{
				ChannelID:  s.channelID,
				UserID:     ev.UserID,
				InviteHash: ev.InviteHash,
				JoinedAt:   time.Unix(ev.JoinedAt, 0).UTC(),
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}
