package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"internline/internal/domain"
)

// ExceededError is returned by Enforcer.Allow when an org is over its limit.
type ExceededError struct {
	Limit Limit
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("org %d exceeded %d records per %s for %s", e.Limit.OrgID, e.Limit.Limit, e.Limit.Window, e.Limit.UseCase)
}

type limiterKey struct {
	uc  domain.UseCaseKey
	org int64
}

type entry struct {
	limit   int64
	limiter *rate.Limiter
}

// Enforcer spreads each org's limit evenly over the window with a token bucket
// whose burst is the full limit.
type Enforcer struct {
	Calculator *Calculator

	mu sync.Mutex
	m  map[limiterKey]*entry
}

func NewEnforcer(c *Calculator) *Enforcer {
	return &Enforcer{Calculator: c, m: make(map[limiterKey]*entry)}
}

func (e *Enforcer) window() time.Duration { return e.Calculator.window() }

func (e *Enforcer) get(k limiterKey, limit int64) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m == nil {
		e.m = make(map[limiterKey]*entry)
	}
	if cur, ok := e.m[k]; ok {
		if cur.limit != limit {
			cur.limiter.SetLimit(rate.Limit(float64(limit) / e.window().Seconds()))
			cur.limiter.SetBurst(int(limit))
			cur.limit = limit
		}
		return cur.limiter
	}
	l := rate.NewLimiter(rate.Limit(float64(limit)/e.window().Seconds()), int(limit))
	e.m[k] = &entry{limit: limit, limiter: l}
	return l
}

// Allow consumes n records from the org's budget.
func (e *Enforcer) Allow(ctx context.Context, uc domain.UseCaseKey, orgID int64, n int) (Limit, error) {
	lim, err := e.Calculator.Limit(ctx, uc, orgID, false)
	if err != nil {
		return lim, err
	}
	if !e.get(limiterKey{uc, orgID}, lim.Limit).AllowN(time.Now(), n) {
		return lim, &ExceededError{Limit: lim}
	}
	return lim, nil
}

// AllowBatch consumes counts[org] records from every org's budget, or from
// none of them. Reservations taken before an org fails are cancelled.
func (e *Enforcer) AllowBatch(ctx context.Context, uc domain.UseCaseKey, counts map[int64]int) error {
	orgs := make([]int64, 0, len(counts))
	for org, n := range counts {
		if n > 0 {
			orgs = append(orgs, org)
		}
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })

	now := time.Now()
	held := make([]*rate.Reservation, 0, len(orgs))
	release := func() {
		for _, r := range held {
			r.CancelAt(now)
		}
	}
	for _, org := range orgs {
		lim, err := e.Calculator.Limit(ctx, uc, org, false)
		if err != nil {
			release()
			return err
		}
		r := e.get(limiterKey{uc, org}, lim.Limit).ReserveN(now, counts[org])
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			release()
			return &ExceededError{Limit: lim}
		}
		held = append(held, r)
	}
	return nil
}
