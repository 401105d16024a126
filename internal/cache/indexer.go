package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"internline/internal/domain"
	"internline/internal/indexer"
)

const DefaultTTL = 10 * time.Minute

// CachingIndexer answers repeated lookups from a Store and forwards misses.
// Mappings never change once written, so entries only expire, they are never
// invalidated. Cache failures are logged and treated as misses.
type CachingIndexer struct {
	Next   indexer.StringIndexer
	Store  Store
	TTL    time.Duration
	Logger *slog.Logger
}

var _ indexer.StringIndexer = (*CachingIndexer)(nil)

func NewCachingIndexer(next indexer.StringIndexer, store Store, ttl time.Duration) *CachingIndexer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachingIndexer{Next: next, Store: store, TTL: ttl}
}

func (c *CachingIndexer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func stringKey(uc domain.UseCaseKey, orgID int64, s string) string {
	return fmt.Sprintf("il:%s:%d:s:%s", uc, orgID, s)
}

func idKey(uc domain.UseCaseKey, id domain.DecodedID) string {
	return fmt.Sprintf("il:%s:id:%d", uc, id)
}

func (c *CachingIndexer) cachedID(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.DecodedID, bool) {
	v, ok, err := c.Store.Get(ctx, stringKey(uc, orgID, s))
	if err != nil {
		c.logger().Warn("cache get failed", "use_case", uc, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return domain.DecodedID(id), true
}

func (c *CachingIndexer) remember(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string, id domain.DecodedID) {
	if err := c.Store.Set(ctx, stringKey(uc, orgID, s), strconv.FormatUint(uint64(id), 10), c.TTL); err != nil {
		c.logger().Warn("cache set failed", "use_case", uc, "error", err)
		return
	}
	if err := c.Store.Set(ctx, idKey(uc, id), s, c.TTL); err != nil {
		c.logger().Warn("cache set failed", "use_case", uc, "error", err)
	}
}

func (c *CachingIndexer) Record(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.KeyResult, error) {
	if id, ok := c.cachedID(ctx, uc, orgID, s); ok {
		return domain.KeyResult{OrgID: orgID, String: s, ID: id, Status: domain.StatusExisting}, nil
	}
	res, err := c.Next.Record(ctx, uc, orgID, s)
	if err == nil && res.Present() {
		c.remember(ctx, uc, orgID, s, res.ID)
	}
	return res, err
}

func (c *CachingIndexer) Resolve(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.DecodedID, bool, error) {
	if id, ok := c.cachedID(ctx, uc, orgID, s); ok {
		return id, true, nil
	}
	id, ok, err := c.Next.Resolve(ctx, uc, orgID, s)
	if err == nil && ok {
		c.remember(ctx, uc, orgID, s, id)
	}
	return id, ok, err
}

func (c *CachingIndexer) ReverseResolve(ctx context.Context, uc domain.UseCaseKey, id domain.DecodedID) (string, bool, error) {
	v, ok, err := c.Store.Get(ctx, idKey(uc, id))
	if err != nil {
		c.logger().Warn("cache get failed", "use_case", uc, "error", err)
	} else if ok {
		return v, true, nil
	}
	s, ok, err := c.Next.ReverseResolve(ctx, uc, id)
	if err == nil && ok {
		if err := c.Store.Set(ctx, idKey(uc, id), s, c.TTL); err != nil {
			c.logger().Warn("cache set failed", "use_case", uc, "error", err)
		}
	}
	return s, ok, err
}

// BulkRecord forwards only the pairs the cache cannot answer.
func (c *CachingIndexer) BulkRecord(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) (*domain.KeyResults, error) {
	items = items.Normalize()
	hits := domain.NewKeyResults()
	misses := domain.OrgStrings{}
	for _, org := range items.Orgs() {
		for _, s := range items[org] {
			if id, ok := c.cachedID(ctx, uc, org, s); ok {
				hits.Add(domain.KeyResult{OrgID: org, String: s, ID: id, Status: domain.StatusExisting})
				continue
			}
			misses[org] = append(misses[org], s)
		}
	}
	if misses.Count() == 0 {
		return hits, nil
	}
	res, err := c.Next.BulkRecord(ctx, uc, misses)
	if err != nil {
		return nil, err
	}
	for _, r := range res.Results() {
		if r.Present() {
			c.remember(ctx, uc, r.OrgID, r.String, r.ID)
		}
	}
	return hits.Merge(res), nil
}
