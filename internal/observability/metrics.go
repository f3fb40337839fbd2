// Package observability exposes the engine's Prometheus metrics. All
// collectors are registered on the default registry and served by the admin
// API's /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsTotal counts finished actions by kind and terminal outcome.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffic",
		Name:      "actions_total",
		Help:      "Finished actions by kind and outcome.",
	}, []string{"kind", "outcome"})

	// FloodWaitsTotal counts flood waits by severity (short = absorbed in
	// place, long = account parked).
	FloodWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffic",
		Name:      "flood_waits_total",
		Help:      "Flood waits encountered, by severity.",
	}, []string{"severity"})

	// ClaimRacesTotal counts post claims lost to another account.
	ClaimRacesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "traffic",
		Name:      "post_claim_races_total",
		Help:      "Post claim attempts denied because another account won.",
	})

	// PostsObservedTotal counts new posts recorded by the channel monitor.
	PostsObservedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffic",
		Name:      "posts_observed_total",
		Help:      "New channel posts recorded by the monitor.",
	}, []string{"channel"})

	// StrategySelectionsTotal counts oracle selections by strategy.
	StrategySelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffic",
		Name:      "strategy_selections_total",
		Help:      "Comment strategy selections by the oracle.",
	}, []string{"strategy"})

	// StrategyRewardsTotal counts attributed rewards by strategy and bucket.
	StrategyRewardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "traffic",
		Name:      "strategy_rewards_total",
		Help:      "Reply-feedback rewards attributed to strategies.",
	}, []string{"strategy", "reward"})

	// InviteJoinsTotal counts attributed joins on gated invite links.
	InviteJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "traffic",
		Name:      "invite_joins_total",
		Help:      "Joins attributed to tracked invite links.",
	})

	// AccountsByStatus is the current fleet size per lifecycle status.
	AccountsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "traffic",
		Name:      "accounts",
		Help:      "Accounts by lifecycle status.",
	}, []string{"status"})

	// ProxiesInCooldown is the number of proxies currently parked.
	ProxiesInCooldown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "traffic",
		Name:      "proxies_in_cooldown",
		Help:      "Proxies currently in failure cooldown.",
	})

	// DispatcherFibers is the number of live per-account dispatcher fibers.
	DispatcherFibers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "traffic",
		Name:      "dispatcher_fibers",
		Help:      "Live per-account dispatcher goroutines.",
	})
)
