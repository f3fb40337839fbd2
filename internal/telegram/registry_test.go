package telegram

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

type fakeClient struct {
	Client
	mu       sync.Mutex
	inFlight int32
	maxSeen  int32
	closed   bool
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeDialer struct {
	client *fakeClient
	dials  int32
}

func (d *fakeDialer) Dial(ctx context.Context, acct *domain.Account, session []byte, proxy *domain.Proxy) (Client, error) {
	atomic.AddInt32(&d.dials, 1)
	return d.client, nil
}

func newTestRegistry(t *testing.T, d Dialer) (*Registry, *domain.Account) {
	t.Helper()
	key := make([]byte, 32)
	rand.Read(key)
	cipher, err := NewSessionCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, err := cipher.Seal([]byte("session-material"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	acct := &domain.Account{ID: "acct-1", SessionBlob: sealed}
	return NewRegistry(d, cipher, 500*time.Millisecond, time.Second, 2*time.Second), acct
}

func TestRegistry_SerializesCallsPerSession(t *testing.T) {
	client := &fakeClient{}
	dialer := &fakeDialer{client: client}
	reg, acct := newTestRegistry(t, dialer)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Invoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
				n := atomic.AddInt32(&client.inFlight, 1)
				defer atomic.AddInt32(&client.inFlight, -1)
				for {
					max := atomic.LoadInt32(&client.maxSeen)
					if n <= max || atomic.CompareAndSwapInt32(&client.maxSeen, max, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&client.maxSeen); max != 1 {
		t.Errorf("max concurrent calls = %d, want 1", max)
	}
	if dials := atomic.LoadInt32(&dialer.dials); dials != 1 {
		t.Errorf("dials = %d, want 1 (session reused)", dials)
	}
}

func TestRegistry_ShortFloodWaitSleepsAndRetries(t *testing.T) {
	client := &fakeClient{}
	reg, acct := newTestRegistry(t, &fakeDialer{client: client})

	calls := 0
	err := reg.Invoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
		calls++
		if calls == 1 {
			return NewFloodWait(10 * time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry after short flood wait)", calls)
	}
}

func TestRegistry_LongFloodWaitSurfacesFloodExceeded(t *testing.T) {
	client := &fakeClient{}
	reg, acct := newTestRegistry(t, &fakeDialer{client: client})

	calls := 0
	err := reg.Invoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
		calls++
		return NewFloodWait(time.Hour)
	})

	fe, ok := AsFloodExceeded(err)
	if !ok {
		t.Fatalf("error = %v, want FloodExceededError", err)
	}
	if fe.Wait != time.Hour {
		t.Errorf("wait = %s, want 1h", fe.Wait)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry above ceiling)", calls)
	}
}

func TestRegistry_AuthErrorDropsSession(t *testing.T) {
	// The gateway wraps the sentinel with the server message; the drop must
	// still fire through the wrapping.
	cases := map[string]error{
		"bare":    ErrAuth,
		"wrapped": fmt.Errorf("%w: SESSION_REVOKED", ErrAuth),
		"banned":  fmt.Errorf("%w: USER_DEACTIVATED_BAN", ErrBanned),
	}
	for name, callErr := range cases {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{}
			dialer := &fakeDialer{client: client}
			reg, acct := newTestRegistry(t, dialer)

			reg.Invoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
				return callErr
			})
			if !client.closed {
				t.Error("session should be closed after dead-session error")
			}

			reg.Invoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
				return nil
			})
			if dials := atomic.LoadInt32(&dialer.dials); dials != 2 {
				t.Errorf("dials = %d, want 2 (redial after drop)", dials)
			}
		})
	}
}

func TestRegistry_TryInvokeReturnsBusy(t *testing.T) {
	client := &fakeClient{}
	reg, acct := newTestRegistry(t, &fakeDialer{client: client})

	holding := make(chan struct{})
	release := make(chan struct{})
	go reg.Invoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	err := reg.TryInvoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
		return nil
	})
	if !errors.Is(err, ErrSessionBusy) {
		t.Errorf("error = %v, want ErrSessionBusy", err)
	}
	close(release)

	// A free session goes through.
	if err := reg.TryInvoke(context.Background(), acct, nil, func(ctx context.Context, c Client) error {
		return nil
	}); err != nil && !errors.Is(err, ErrSessionBusy) {
		t.Errorf("TryInvoke on free session: %v", err)
	}
}

func TestSessionCipher_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	c, err := NewSessionCipher(key)
	if err != nil {
		t.Fatalf("NewSessionCipher: %v", err)
	}

	plaintext := []byte("mtproto session material")
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Errorf("round trip = %q, want %q", opened, plaintext)
	}

	// Tampered blob must not decrypt.
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); err == nil {
		t.Error("tampered blob decrypted")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want domain.ErrorKind
	}{
		{ErrBanned, domain.ErrBanned},
		{ErrAuth, domain.ErrAuth},
		{ErrPeerNotAccessible, domain.ErrPeerNotAccessible},
		{ErrContentRejected, domain.ErrContentRejected},
		{NewFloodWait(time.Second), domain.ErrFloodWaitShort},
		{&ProxyError{ProxyID: "p1", Err: errors.New("connect refused")}, domain.ErrProxyFailure},
		{errors.New("read tcp: timeout"), domain.ErrTransientNetwork},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
