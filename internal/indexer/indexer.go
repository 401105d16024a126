package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"internline/internal/codec"
	"internline/internal/domain"
	"internline/internal/events"
)

// maxMintAttempts bounds retries when a freshly minted key is already taken.
const maxMintAttempts = 3

// StringIndexer interns strings per (use case, org) and resolves both ways.
type StringIndexer interface {
	Record(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.KeyResult, error)
	Resolve(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.DecodedID, bool, error)
	ReverseResolve(ctx context.Context, uc domain.UseCaseKey, id domain.DecodedID) (string, bool, error)
	BulkRecord(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) (*domain.KeyResults, error)
}

// Publisher receives an event for every newly interned string.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event)
}

// Indexer implements StringIndexer over a Backend. It keeps no mutable state
// of its own and is safe for concurrent use.
type Indexer struct {
	Backend Backend
	IDs     IDSource
	Codec   codec.KeyCodec
	Policy  Policy
	Metrics Metrics
	Events  Publisher
	Logger  *slog.Logger
	Now     func() time.Time
	// Workers bounds concurrent per-item calls in BulkRecord.
	Workers int
}

var _ StringIndexer = (*Indexer)(nil)

func New(b Backend, ids IDSource, c codec.KeyCodec) *Indexer {
	return &Indexer{
		Backend: b,
		IDs:     ids,
		Codec:   c,
		Policy:  DefaultPolicy(),
		Metrics: NoopMetrics{},
		Now:     time.Now,
		Workers: 1,
	}
}

func (ix *Indexer) now() time.Time {
	if ix.Now != nil {
		return ix.Now()
	}
	return time.Now()
}

func (ix *Indexer) logger() *slog.Logger {
	if ix.Logger != nil {
		return ix.Logger
	}
	return slog.Default()
}

func (ix *Indexer) metrics() Metrics {
	if ix.Metrics != nil {
		return ix.Metrics
	}
	return NoopMetrics{}
}

func (ix *Indexer) codec() codec.KeyCodec {
	if ix.Codec != nil {
		return ix.Codec
	}
	return codec.IDCodec{}
}

func (ix *Indexer) storageErr(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Backend: ix.Backend.Name(), Op: op, Err: err}
}

// Count returns how many strings org has interned under uc.
func (ix *Indexer) Count(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error) {
	c, ok := ix.Backend.(Counter)
	if !ok {
		return 0, fmt.Errorf("count strings on %s: %w", ix.Backend.Name(), ErrUnsupported)
	}
	n, err := c.CountStrings(ctx, uc, orgID)
	if err != nil {
		return 0, ix.storageErr("count", err)
	}
	return n, nil
}

// Record returns the id for s, minting one on first sight. Inputs the policy
// refuses come back with StatusRejected and a nil error.
func (ix *Indexer) Record(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.KeyResult, error) {
	if err := ix.Policy.checkUseCase(uc); err != nil {
		return domain.KeyResult{}, err
	}
	start := ix.now()
	res, err := ix.record(ctx, uc, orgID, s)
	ix.metrics().ObserveRecord(uc, res.Status, ix.now().Sub(start), err)
	return res, err
}

func (ix *Indexer) record(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.KeyResult, error) {
	res := domain.KeyResult{OrgID: orgID, String: s}
	if reason := ix.Policy.rejection(s); reason != "" {
		res.Status, res.Reason = domain.StatusRejected, reason
		ix.logger().Debug("record rejected", "use_case", uc, "org_id", orgID, "reason", reason)
		return res, nil
	}

	m, err := ix.Backend.GetByString(ctx, uc, orgID, s)
	switch {
	case err == nil:
		res.ID, res.Status = ix.codec().Decode(m.Key), domain.StatusExisting
		return res, nil
	case !errors.Is(err, ErrNotFound):
		return res, ix.storageErr("get", err)
	}

	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		id, err := ix.IDs.NextID(ctx)
		if err != nil {
			return res, ix.storageErr("mint", err)
		}
		row := domain.Mapping{
			Key:       ix.codec().Encode(id),
			UseCase:   uc,
			OrgID:     orgID,
			String:    s,
			CreatedAt: ix.now().UTC(),
		}
		err = ix.Backend.Insert(ctx, row)
		switch {
		case err == nil:
			res.ID, res.Status = id, domain.StatusCreated
			ix.publishCreated(ctx, uc, res)
			return res, nil
		case errors.Is(err, ErrRejected):
			res.Status, res.Reason = domain.StatusRejected, err.Error()
			return res, nil
		case !errors.Is(err, ErrAlreadyExists):
			return res, ix.storageErr("insert", err)
		}

		winner, gerr := ix.Backend.GetByString(ctx, uc, orgID, s)
		if gerr == nil {
			ix.logger().Debug("record lost insert race", "use_case", uc, "org_id", orgID)
			res.ID, res.Status = ix.codec().Decode(winner.Key), domain.StatusExisting
			return res, nil
		}
		if !errors.Is(gerr, ErrNotFound) {
			return res, ix.storageErr("get", gerr)
		}
		ix.logger().Warn("minted key already taken", "use_case", uc, "key", row.Key, "attempt", attempt)
	}
	return res, ix.storageErr("insert", fmt.Errorf("key collision after %d attempts", maxMintAttempts))
}

// Resolve looks s up without minting.
func (ix *Indexer) Resolve(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.DecodedID, bool, error) {
	if err := ix.Policy.checkUseCase(uc); err != nil {
		return 0, false, err
	}
	start := ix.now()
	id, ok, err := ix.resolve(ctx, uc, orgID, s)
	ix.metrics().ObserveResolve(uc, ok, ix.now().Sub(start), err)
	return id, ok, err
}

func (ix *Indexer) resolve(ctx context.Context, uc domain.UseCaseKey, orgID int64, s string) (domain.DecodedID, bool, error) {
	if ix.Policy.rejection(s) != "" {
		return 0, false, nil
	}
	m, err := ix.Backend.GetByString(ctx, uc, orgID, s)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ix.storageErr("get", err)
	}
	return ix.codec().Decode(m.Key), true, nil
}

// ReverseResolve returns the string behind id. Ids issued under another use
// case are reported as absent.
func (ix *Indexer) ReverseResolve(ctx context.Context, uc domain.UseCaseKey, id domain.DecodedID) (string, bool, error) {
	if err := ix.Policy.checkUseCase(uc); err != nil {
		return "", false, err
	}
	start := ix.now()
	s, ok, err := ix.reverseResolve(ctx, uc, id)
	ix.metrics().ObserveReverseResolve(uc, ok, ix.now().Sub(start), err)
	return s, ok, err
}

func (ix *Indexer) reverseResolve(ctx context.Context, uc domain.UseCaseKey, id domain.DecodedID) (string, bool, error) {
	m, err := ix.Backend.GetByKey(ctx, ix.codec().Encode(id))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ix.storageErr("get", err)
	}
	if m.UseCase != uc {
		return "", false, nil
	}
	return m.String, true, nil
}

// BulkRecord records every (org, string) pair. A failing item is reported as
// rejected and the rest continue. A systemic failure aborts the batch with a
// *BatchError and no results.
func (ix *Indexer) BulkRecord(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) (*domain.KeyResults, error) {
	if err := ix.Policy.checkUseCase(uc); err != nil {
		return nil, err
	}
	items = items.Normalize()
	size := items.Count()
	start := ix.now()

	res, err := ix.bulkRecord(ctx, uc, items)
	failed := 0
	for _, r := range res.Results() {
		if !r.Present() {
			failed++
		}
	}
	ix.metrics().ObserveBatch(uc, size, failed, ix.now().Sub(start), err)
	if err != nil {
		ix.logger().Error("bulk record failed", "use_case", uc, "size", size, "error", err)
		return nil, &BatchError{UseCase: uc, Size: size, Err: err}
	}
	return res, nil
}

func (ix *Indexer) bulkRecord(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) (*domain.KeyResults, error) {
	if bb, ok := ix.Backend.(BatchBackend); ok {
		res, err := ix.bulkNative(ctx, bb, uc, items)
		if err == nil {
			return res, nil
		}
		if IsSystemic(err) || ctx.Err() != nil {
			return nil, err
		}
		ix.logger().Warn("native bulk record failed, recording items one by one", "use_case", uc, "error", err)
	}
	return ix.bulkEach(ctx, uc, items)
}

// bulkEach calls record per item, Workers at a time.
func (ix *Indexer) bulkEach(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) (*domain.KeyResults, error) {
	res := domain.NewKeyResults()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	workers := ix.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, org := range items.Orgs() {
		for _, s := range items[org] {
			org, s := org, s
			g.Go(func() error {
				r, err := ix.Record(gctx, uc, org, s)
				if err != nil {
					if IsSystemic(err) {
						return err
					}
					ix.logger().Warn("bulk item failed", "use_case", uc, "org_id", org, "error", err)
					r = domain.KeyResult{OrgID: org, String: s, Status: domain.StatusRejected, Reason: err.Error()}
				}
				mu.Lock()
				res.Add(r)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// bulkNative does one lookup, one multi-row insert and one re-read. Items the
// re-read cannot find go through record individually.
func (ix *Indexer) bulkNative(ctx context.Context, bb BatchBackend, uc domain.UseCaseKey, items domain.OrgStrings) (*domain.KeyResults, error) {
	res := domain.NewKeyResults()
	valid := domain.OrgStrings{}
	for org, strs := range items {
		for _, s := range strs {
			if reason := ix.Policy.rejection(s); reason != "" {
				res.Add(domain.KeyResult{OrgID: org, String: s, Status: domain.StatusRejected, Reason: reason})
				continue
			}
			valid[org] = append(valid[org], s)
		}
	}
	if valid.Count() == 0 {
		return res, nil
	}

	existing, err := bb.GetManyByString(ctx, uc, valid)
	if err != nil {
		return nil, ix.storageErr("get many", err)
	}
	for _, m := range existing {
		res.Add(domain.KeyResult{OrgID: m.OrgID, String: m.String, ID: ix.codec().Decode(m.Key), Status: domain.StatusExisting})
	}

	missing := res.Missing(valid)
	if missing.Count() == 0 {
		return res, nil
	}
	minted := make(map[domain.EncodedID]struct{}, missing.Count())
	rows := make([]domain.Mapping, 0, missing.Count())
	now := ix.now().UTC()
	for _, org := range missing.Orgs() {
		for _, s := range missing[org] {
			id, err := ix.IDs.NextID(ctx)
			if err != nil {
				return nil, ix.storageErr("mint", err)
			}
			row := domain.Mapping{Key: ix.codec().Encode(id), UseCase: uc, OrgID: org, String: s, CreatedAt: now}
			minted[row.Key] = struct{}{}
			rows = append(rows, row)
		}
	}
	if err := bb.InsertMany(ctx, rows); err != nil {
		return nil, ix.storageErr("insert many", err)
	}

	after, err := bb.GetManyByString(ctx, uc, missing)
	if err != nil {
		return nil, ix.storageErr("get many", err)
	}
	for _, m := range after {
		r := domain.KeyResult{OrgID: m.OrgID, String: m.String, ID: ix.codec().Decode(m.Key), Status: domain.StatusExisting}
		if _, ok := minted[m.Key]; ok {
			r.Status = domain.StatusCreated
			ix.publishCreated(ctx, uc, r)
		}
		res.Add(r)
	}

	leftover := res.Missing(valid)
	for _, org := range leftover.Orgs() {
		for _, s := range leftover[org] {
			r, err := ix.Record(ctx, uc, org, s)
			if err != nil {
				if IsSystemic(err) {
					return nil, err
				}
				r = domain.KeyResult{OrgID: org, String: s, Status: domain.StatusRejected, Reason: err.Error()}
			}
			res.Add(r)
		}
	}
	return res, nil
}

func (ix *Indexer) publishCreated(ctx context.Context, uc domain.UseCaseKey, r domain.KeyResult) {
	if ix.Events == nil {
		return
	}
	ix.Events.Publish(ctx, events.Event{
		Type:    events.TypeStringInterned,
		UseCase: uc,
		OrgID:   r.OrgID,
		String:  r.String,
		ID:      r.ID,
	})
}
