package telegram

import (
	"errors"
	"fmt"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// Sentinel errors for the transport layer.
var (
	// ErrAuth means the session is no longer valid (revoked, logged out).
	ErrAuth = errors.New("telegram: auth error")

	// ErrBanned means the account was banned by Telegram.
	ErrBanned = errors.New("telegram: account banned")

	// ErrPeerNotAccessible means the target refuses interaction (privacy
	// settings, deleted post, closed comments).
	ErrPeerNotAccessible = errors.New("telegram: peer not accessible")

	// ErrContentRejected means the payload itself was refused (spam filter,
	// too long, invalid entities).
	ErrContentRejected = errors.New("telegram: content rejected")

	// ErrSessionBusy is returned by Registry.TryInvoke when an account
	// already has a call in flight and the caller opted not to wait.
	ErrSessionBusy = errors.New("telegram: session busy")
)

// FloodWaitError carries the server-mandated wait before the next call.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: flood wait %s", e.Wait)
}

// NewFloodWait builds a FloodWaitError for the given wait.
func NewFloodWait(wait time.Duration) *FloodWaitError {
	return &FloodWaitError{Wait: wait}
}

// AsFloodWait extracts a FloodWaitError from an error chain.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}

// ProxyError marks a failure attributable to the proxy rather than Telegram:
// connect errors, read errors, TLS handshake failures.
type ProxyError struct {
	ProxyID string
	Err     error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("telegram: proxy %s failure: %v", e.ProxyID, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// AsProxyError extracts a ProxyError from an error chain.
func AsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Classify maps a transport error onto the engine's closed error taxonomy.
// Flood waits are classified against the registry ceiling by the caller, so
// here they map to the short kind.
func Classify(err error) domain.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBanned):
		return domain.ErrBanned
	case errors.Is(err, ErrAuth):
		return domain.ErrAuth
	case errors.Is(err, ErrPeerNotAccessible):
		return domain.ErrPeerNotAccessible
	case errors.Is(err, ErrContentRejected):
		return domain.ErrContentRejected
	}
	if _, ok := AsFloodWait(err); ok {
		return domain.ErrFloodWaitShort
	}
	if _, ok := AsProxyError(err); ok {
		return domain.ErrProxyFailure
	}
	return domain.ErrTransientNetwork
}

// Retryable reports whether the dispatcher may retry the action after the
// given classified kind.
func Retryable(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrTransientNetwork, domain.ErrProxyFailure:
		return true
	}
	return false
}
