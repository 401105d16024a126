package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"internline/internal/codec"
	"internline/internal/domain"
	"internline/internal/idgen"
	"internline/internal/indexer"
	"internline/internal/logging"
	"internline/internal/store/sqlite"
)

type testEnv struct {
	Store sqlite.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := sqlite.Open(sqlite.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := sqlite.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{Store: sqlite.Store{DB: conn}, Ctx: ctx}
}

func TestMigrateIsRepeatable(t *testing.T) {
	env := newTestEnv(t)
	v, err := sqlite.Migrate(env.Ctx, env.Store.DB)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
}

func TestInsertAndConflicts(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := domain.Mapping{Key: -42, UseCase: domain.UseCasePerformance, OrgID: 1, String: "a", CreatedAt: now}
	if err := env.Store.Insert(env.Ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := env.Store.GetByString(env.Ctx, domain.UseCasePerformance, 1, "a")
	if err != nil {
		t.Fatalf("get by string: %v", err)
	}
	if got.Key != -42 || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected row %+v", got)
	}
	byKey, err := env.Store.GetByKey(env.Ctx, -42)
	if err != nil || byKey.String != "a" {
		t.Fatalf("get by key: %+v %v", byKey, err)
	}

	dupString := m
	dupString.Key = 7
	if err := env.Store.Insert(env.Ctx, dupString); !errors.Is(err, indexer.ErrAlreadyExists) {
		t.Fatalf("expected already exists for duplicate string, got %v", err)
	}
	dupKey := m
	dupKey.String = "b"
	if err := env.Store.Insert(env.Ctx, dupKey); !errors.Is(err, indexer.ErrAlreadyExists) {
		t.Fatalf("expected already exists for duplicate key, got %v", err)
	}
	if _, err := env.Store.GetByKey(env.Ctx, 99); !errors.Is(err, indexer.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBatchOperations(t *testing.T) {
	env := newTestEnv(t)
	rows := []domain.Mapping{
		{Key: 1, UseCase: domain.UseCasePerformance, OrgID: 1, String: "a"},
		{Key: 2, UseCase: domain.UseCasePerformance, OrgID: 1, String: "b"},
		{Key: 3, UseCase: domain.UseCasePerformance, OrgID: 2, String: "a"},
	}
	if err := env.Store.InsertMany(env.Ctx, rows); err != nil {
		t.Fatalf("insert many: %v", err)
	}
	// conflicting rows are skipped
	if err := env.Store.InsertMany(env.Ctx, []domain.Mapping{
		{Key: 4, UseCase: domain.UseCasePerformance, OrgID: 1, String: "a"},
		{Key: 5, UseCase: domain.UseCasePerformance, OrgID: 1, String: "c"},
	}); err != nil {
		t.Fatalf("insert many with conflict: %v", err)
	}
	got, err := env.Store.GetManyByString(env.Ctx, domain.UseCasePerformance, domain.OrgStrings{1: {"a", "c", "zz"}, 2: {"a"}})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	keys := map[domain.EncodedID]bool{}
	for _, m := range got {
		keys[m.Key] = true
	}
	if len(got) != 3 || !keys[1] || !keys[5] || !keys[3] {
		t.Fatalf("unexpected rows %+v", got)
	}
	n, err := env.Store.CountStrings(env.Ctx, domain.UseCasePerformance, 1)
	if err != nil || n != 3 {
		t.Fatalf("count: %d %v", n, err)
	}
}

func TestReserve(t *testing.T) {
	env := newTestEnv(t)
	hi, err := env.Store.Reserve(env.Ctx, "ids", 50)
	if err != nil || hi != 50 {
		t.Fatalf("first reserve: %d %v", hi, err)
	}
	hi, err = env.Store.Reserve(env.Ctx, "ids", 50)
	if err != nil || hi != 100 {
		t.Fatalf("second reserve: %d %v", hi, err)
	}
}

func TestIndexerOverSQLite(t *testing.T) {
	env := newTestEnv(t)
	gen, err := idgen.New(idgen.DefaultVersion, idgen.NewBlockSequence(env.Store, "string_index", 10))
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	ix := indexer.New(env.Store, gen, codec.IdentityCodec{})
	ix.Logger = logging.Discard()

	first, err := ix.Record(env.Ctx, domain.UseCaseReleaseHealth, 1, "crashed")
	if err != nil || first.Status != domain.StatusCreated {
		t.Fatalf("record: %+v %v", first, err)
	}
	res, err := ix.BulkRecord(env.Ctx, domain.UseCaseReleaseHealth, domain.OrgStrings{1: {"crashed", "healthy"}, 2: {"crashed"}})
	if err != nil {
		t.Fatalf("bulk record: %v", err)
	}
	if res.Len() != 3 {
		t.Fatalf("expected 3 results, got %d", res.Len())
	}
	again, _ := res.Get(1, "crashed")
	if again.ID != first.ID || again.Status != domain.StatusExisting {
		t.Fatalf("expected existing id %d, got %+v", first.ID, again)
	}
	other, _ := res.Get(2, "crashed")
	if other.ID == first.ID {
		t.Fatalf("orgs must not share ids")
	}
	s, ok, err := ix.ReverseResolve(env.Ctx, domain.UseCaseReleaseHealth, other.ID)
	if err != nil || !ok || s != "crashed" {
		t.Fatalf("reverse resolve: %q %v %v", s, ok, err)
	}
}
