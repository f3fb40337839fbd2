package domain

import (
	"time"
)

// ProxyKind enumerates supported proxy protocols.
type ProxyKind string

const (
	ProxySOCKS5 ProxyKind = "socks5"
	ProxyHTTP   ProxyKind = "http"
	ProxyMTProto ProxyKind = "mtproto"
)

// Proxy is one upstream endpoint; it serves at most one account at a time.
type Proxy struct {
	ID                  string     `json:"id" db:"id"`
	Endpoint            string     `json:"endpoint" db:"endpoint"` // host:port
	Kind                ProxyKind  `json:"kind" db:"kind"`
	Username            string     `json:"-" db:"username"`
	Password            string     `json:"-" db:"password"`
	InUseBy             *string    `json:"in_use_by" db:"in_use_by"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until" db:"cooldown_until"`
	LastFailedAt        *time.Time `json:"last_failed_at" db:"last_failed_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// Available reports whether the proxy can be handed to an account.
func (p *Proxy) Available(now time.Time) bool {
	if p.InUseBy != nil {
		return false
	}
	return p.CooldownUntil == nil || !now.Before(*p.CooldownUntil)
}
