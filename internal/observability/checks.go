package observability

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexus-trading/launchguard/internal/feed"
	"github.com/nexus-trading/launchguard/internal/risk"
	"github.com/nexus-trading/launchguard/internal/safety"
)

// Pinger is anything with a liveness probe: stores, redis, clickhouse.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports unhealthy when Ping fails.
func PingCheck(p Pinger) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// FeedCheck reports degraded while the connector is between sessions.
func FeedCheck(stats func() feed.Stats) HealthCheck {
	return func(context.Context) ComponentHealth {
		s := stats()
		h := ComponentHealth{
			Status: StatusHealthy,
			Details: map[string]any{
				"events":     s.Events,
				"reconnects": s.Reconnects,
				"sessions":   s.Sessions,
			},
		}
		if !s.Connected {
			h.Status = StatusDegraded
			h.Message = "feed disconnected, reconnecting"
		}
		return h
	}
}

// SafetyCheck compares evaluator counters against the previous check. If
// every evaluation since then was unavailable the providers are considered
// down; some unavailable answers mean degraded.
func SafetyCheck(stats func() safety.Stats) HealthCheck {
	var (
		mu        sync.Mutex
		lastEvals int64
		lastUnav  int64
	)
	return func(context.Context) ComponentHealth {
		s := stats()

		mu.Lock()
		evals := s.Evaluations - lastEvals
		unav := s.Unavailable - lastUnav
		lastEvals, lastUnav = s.Evaluations, s.Unavailable
		mu.Unlock()

		h := ComponentHealth{
			Status: StatusHealthy,
			Details: map[string]any{
				"evaluations":     s.Evaluations,
				"unavailable":     s.Unavailable,
				"provider_errors": s.ProviderErrors,
				"blacklist_size":  s.BlacklistSize,
			},
		}
		switch {
		case evals > 0 && unav == evals:
			h.Status = StatusUnhealthy
			h.Message = fmt.Sprintf("all %d evaluations since last check were unavailable", evals)
		case unav > 0:
			h.Status = StatusDegraded
			h.Message = fmt.Sprintf("%d of %d evaluations unavailable", unav, evals)
		}
		return h
	}
}

// RiskCheck surfaces the kill switch and the pause flag.
func RiskCheck(stats func() risk.Stats) HealthCheck {
	return func(context.Context) ComponentHealth {
		s := stats()
		h := ComponentHealth{
			Status: StatusHealthy,
			Details: map[string]any{
				"daily_spent_sol": s.DailySpentSOL,
				"daily_pnl_sol":   s.DailyPnLSOL,
			},
		}
		switch {
		case s.Killed:
			h.Status = StatusUnhealthy
			h.Message = "kill switch engaged"
		case s.Paused:
			h.Status = StatusDegraded
			h.Message = "trading paused"
		}
		return h
	}
}
