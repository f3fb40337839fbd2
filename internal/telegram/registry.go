package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/observability"
)

// FloodExceededError is surfaced when the server-mandated wait is above the
// registry ceiling. The dispatcher parks the account for Wait.
type FloodExceededError struct {
	Wait time.Duration
}

func (e *FloodExceededError) Error() string {
	return fmt.Sprintf("telegram: flood wait %s exceeds ceiling", e.Wait)
}

// AsFloodExceeded extracts a FloodExceededError from an error chain.
func AsFloodExceeded(err error) (*FloodExceededError, bool) {
	fe, ok := err.(*FloodExceededError)
	return fe, ok
}

// Registry owns one logical session per account and mediates every transport
// call. It guarantees at most one concurrent call per session: concurrent
// requests for the same account serialize on the session mutex.Flood waits
// at or below the ceiling are absorbed with an in-place sleep and a single
// retry; longer waits surface as FloodExceededError.
type Registry struct {
	dialer        Dialer
	cipher        *SessionCipher
	ceiling       time.Duration
	callTimeout   time.Duration
	uploadTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu     sync.Mutex // serializes calls; never held across registry mu
	client Client
}

// NewRegistry creates a session registry.
func NewRegistry(dialer Dialer, cipher *SessionCipher, ceiling, callTimeout, uploadTimeout time.Duration) *Registry {
	if ceiling <= 0 {
		ceiling = 600 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 120 * time.Second
	}
	return &Registry{
		dialer:        dialer,
		cipher:        cipher,
		ceiling:       ceiling,
		callTimeout:   callTimeout,
		uploadTimeout: uploadTimeout,
		sessions:      make(map[string]*session),
	}
}

func (r *Registry) session(accountID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	if !ok {
		s = &session{}
		r.sessions[accountID] = s
	}
	return s
}

// Invoke runs fn against the account's session, dialing on first use. The
// session mutex serializes calls per account. ctx should carry the caller's
// cancellation; each call additionally gets the registry call timeout.
func (r *Registry) Invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c Client) error) error {
	return r.invoke(ctx, acct, proxy, r.callTimeout, fn)
}

// InvokeUpload is Invoke with the longer upload timeout, for calls that push
// payloads to Telegram (channel posts).
func (r *Registry) InvokeUpload(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c Client) error) error {
	return r.invoke(ctx, acct, proxy, r.uploadTimeout, fn)
}

// TryInvoke is Invoke, except it returns ErrSessionBusy instead of queueing
// when another call already holds the account's session. Background sweeps
// use it so they never delay a dispatcher action.
func (r *Registry) TryInvoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, fn func(ctx context.Context, c Client) error) error {
	s := r.session(acct.ID)
	if !s.mu.TryLock() {
		return ErrSessionBusy
	}
	defer s.mu.Unlock()
	return r.invokeLocked(ctx, s, acct, proxy, r.callTimeout, fn)
}

func (r *Registry) invoke(ctx context.Context, acct *domain.Account, proxy *domain.Proxy, timeout time.Duration, fn func(ctx context.Context, c Client) error) error {
	s := r.session(acct.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.invokeLocked(ctx, s, acct, proxy, timeout, fn)
}

// invokeLocked runs one call against the session. Callers hold s.mu.
func (r *Registry) invokeLocked(ctx context.Context, s *session, acct *domain.Account, proxy *domain.Proxy, timeout time.Duration, fn func(ctx context.Context, c Client) error) error {
	if s.client == nil {
		client, err := r.dial(ctx, acct, proxy)
		if err != nil {
			return err
		}
		s.client = client
	}

	err := r.call(ctx, s.client, timeout, fn)

	// One in-place retry for short flood waits; the ceiling guards the
	// session mutex from being held for hours.
	if fw, ok := AsFloodWait(err); ok {
		if fw.Wait > r.ceiling {
			return &FloodExceededError{Wait: fw.Wait}
		}
		observability.FloodWaitsTotal.WithLabelValues("short").Inc()
		log.Printf("[SessionRegistry] account %s flood wait %s, sleeping", acct.ID, fw.Wait)
		select {
		case <-time.After(fw.Wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = r.call(ctx, s.client, timeout, fn)
		if fw2, ok := AsFloodWait(err); ok {
			// A second flood wait on the retry parks the account.
			return &FloodExceededError{Wait: fw2.Wait}
		}
	}

	// A dead session is dropped so the next invoke redials. The gateway wraps
	// these sentinels with the server message, so walk the chain.
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrBanned) {
		s.client.Close()
		s.client = nil
	}
	return err
}

func (r *Registry) call(ctx context.Context, c Client, timeout time.Duration, fn func(ctx context.Context, c Client) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx, c)
}

func (r *Registry) dial(ctx context.Context, acct *domain.Account, proxy *domain.Proxy) (Client, error) {
	sessionData, err := r.cipher.Open(acct.SessionBlob)
	if err != nil {
		return nil, fmt.Errorf("decrypt session for account %s: %w", acct.ID, err)
	}
	client, err := r.dialer.Dial(ctx, acct, sessionData, proxy)
	if err != nil {
		return nil, fmt.Errorf("dial session for account %s: %w", acct.ID, err)
	}
	return client, nil
}

// Drop closes and forgets the account's session, forcing a redial on the
// next invoke. Used when the proxy assignment changes.
func (r *Registry) Drop(accountID string) {
	s := r.session(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// Close closes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.client != nil {
			s.client.Close()
			s.client = nil
		}
		s.mu.Unlock()
	}
}
