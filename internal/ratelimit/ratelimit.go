// Package ratelimit constrains outbound provider traffic per team so one
// tenant's burst cannot exhaust the shared Cloud API quota.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type PerTeam struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a limiter allowing perSecond sends per team with the given
// burst capacity.
func New(perSecond float64, burst int) *PerTeam {
	return &PerTeam{
		limiters: make(map[int64]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (p *PerTeam) limiter(teamID int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[teamID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[teamID] = l
	}
	return l
}

// Wait blocks until the team may send, or the context is done.
func (p *PerTeam) Wait(ctx context.Context, teamID int64) error {
	return p.limiter(teamID).Wait(ctx)
}

// Allow reports whether a send is permitted right now without blocking.
func (p *PerTeam) Allow(teamID int64) bool {
	return p.limiter(teamID).Allow()
}
