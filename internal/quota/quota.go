// Package quota derives per-organization record limits from how many strings
// an organization has interned, and enforces them.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"internline/internal/cache"
	"internline/internal/domain"
	"internline/internal/events"
)

const (
	DefaultPerStringAllowance = 5
	DefaultMinimum            = 50
	DefaultTTL                = 600 * time.Second
	DefaultWindow             = 10 * time.Minute
)

// StringCounter counts interned strings. *indexer.Indexer satisfies it.
type StringCounter interface {
	Count(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error)
}

type Limit struct {
	OrgID   int64             `json:"org_id"`
	UseCase domain.UseCaseKey `json:"use_case"`
	// Computed is count * allowance before the minimum is applied.
	Computed int64         `json:"computed"`
	Limit    int64         `json:"limit"`
	Window   time.Duration `json:"window"`
}

// Calculator computes max(count * PerStringAllowance, Minimum). The product is
// cached for TTL since the lookup runs on every enforcement check.
type Calculator struct {
	Counter            StringCounter
	Cache              cache.Store
	PerStringAllowance int64
	Minimum            int64
	TTL                time.Duration
	Window             time.Duration
	Logger             *slog.Logger
}

func NewCalculator(counter StringCounter, store cache.Store) *Calculator {
	return &Calculator{
		Counter:            counter,
		Cache:              store,
		PerStringAllowance: DefaultPerStringAllowance,
		Minimum:            DefaultMinimum,
		TTL:                DefaultTTL,
		Window:             DefaultWindow,
	}
}

func (c *Calculator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Calculator) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return DefaultWindow
}

func cacheKey(uc domain.UseCaseKey, orgID int64) string {
	return fmt.Sprintf("org:%d:%s:string-count", orgID, uc)
}

// Limit returns the current limit. bust skips the cached value and refreshes it.
func (c *Calculator) Limit(ctx context.Context, uc domain.UseCaseKey, orgID int64, bust bool) (Limit, error) {
	out := Limit{OrgID: orgID, UseCase: uc, Window: c.window()}
	key := cacheKey(uc, orgID)
	computed := int64(-1)
	if !bust && c.Cache != nil {
		v, ok, err := c.Cache.Get(ctx, key)
		if err != nil {
			c.logger().Warn("quota cache get failed", "org_id", orgID, "error", err)
		} else if ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				computed = n
			}
		}
	}
	if computed < 0 {
		n, err := c.Counter.Count(ctx, uc, orgID)
		if err != nil {
			return out, fmt.Errorf("count strings for org %d: %w", orgID, err)
		}
		computed = n * c.PerStringAllowance
		if c.Cache != nil {
			if err := c.Cache.Set(ctx, key, strconv.FormatInt(computed, 10), c.TTL); err != nil {
				c.logger().Warn("quota cache set failed", "org_id", orgID, "error", err)
			}
		}
	}
	out.Computed = computed
	out.Limit = max(computed, c.Minimum)
	return out, nil
}

// Listener refreshes the cached limit whenever an org interns a new string.
func (c *Calculator) Listener() events.Listener {
	return events.ListenerFunc(func(ctx context.Context, evt events.Event) error {
		if evt.Type != events.TypeStringInterned {
			return nil
		}
		_, err := c.Limit(ctx, evt.UseCase, evt.OrgID, true)
		return err
	})
}
