// Package postgres stores the string index in Postgres through a pgx pool.
// Multi-row lookups and inserts go through unnest so a batch costs one round
// trip per statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"internline/internal/domain"
	"internline/internal/indexer"
)

// PoolConfig tunes the connection pool. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Open parses dsn, builds a pool and pings it.
func Open(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify(fmt.Errorf("ping postgres: %w", err))
	}
	return pool, nil
}

type Store struct {
	Pool *pgxpool.Pool
}

var (
	_ indexer.BatchBackend = Store{}
	_ indexer.Counter      = Store{}
)

func (s Store) Name() string { return "postgres" }

const selectColumns = `SELECT id, use_case, org_id, string, created_at FROM string_index`

func scanMapping(row pgx.Row) (domain.Mapping, error) {
	var (
		m   domain.Mapping
		key int64
		uc  string
	)
	if err := row.Scan(&key, &uc, &m.OrgID, &m.String, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, indexer.ErrNotFound
		}
		return m, classify(err)
	}
	m.Key = domain.EncodedID(key)
	m.UseCase = domain.UseCaseKey(uc)
	return m, nil
}

func (s Store) GetByString(ctx context.Context, uc domain.UseCaseKey, orgID int64, str string) (domain.Mapping, error) {
	return scanMapping(s.Pool.QueryRow(ctx,
		selectColumns+` WHERE use_case = $1 AND org_id = $2 AND string = $3`, string(uc), orgID, str))
}

func (s Store) GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error) {
	return scanMapping(s.Pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, int64(key)))
}

func (s Store) Insert(ctx context.Context, m domain.Mapping) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO string_index (id, use_case, org_id, string, created_at) VALUES ($1, $2, $3, $4, $5)`,
		int64(m.Key), string(m.UseCase), m.OrgID, m.String, m.CreatedAt)
	return classify(err)
}

func (s Store) GetManyByString(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) ([]domain.Mapping, error) {
	orgs := make([]int64, 0, items.Count())
	strs := make([]string, 0, items.Count())
	for _, org := range items.Orgs() {
		for _, str := range items[org] {
			orgs = append(orgs, org)
			strs = append(strs, str)
		}
	}
	if len(orgs) == 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT s.id, s.use_case, s.org_id, s.string, s.created_at
		FROM string_index s
		JOIN unnest($2::bigint[], $3::text[]) AS want(org_id, string)
		  ON s.org_id = want.org_id AND s.string = want.string
		WHERE s.use_case = $1`, string(uc), orgs, strs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []domain.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// InsertMany writes every row in one statement. Rows whose key or string is
// already taken are skipped.
func (s Store) InsertMany(ctx context.Context, rows []domain.Mapping) error {
	if len(rows) == 0 {
		return nil
	}
	var (
		ids     = make([]int64, len(rows))
		ucs     = make([]string, len(rows))
		orgs    = make([]int64, len(rows))
		strs    = make([]string, len(rows))
		created = make([]time.Time, len(rows))
	)
	for i, m := range rows {
		ids[i], ucs[i], orgs[i], strs[i], created[i] = int64(m.Key), string(m.UseCase), m.OrgID, m.String, m.CreatedAt
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO string_index (id, use_case, org_id, string, created_at)
		SELECT * FROM unnest($1::bigint[], $2::text[], $3::bigint[], $4::text[], $5::timestamptz[])
		ON CONFLICT DO NOTHING`, ids, ucs, orgs, strs, created)
	return classify(err)
}

func (s Store) CountStrings(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM string_index WHERE use_case = $1 AND org_id = $2`, string(uc), orgID).Scan(&n)
	return n, classify(err)
}

// Reserve advances the named counter row by n and returns the new upper bound.
func (s Store) Reserve(ctx context.Context, name string, n uint64) (uint64, error) {
	var v int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO sequences (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + EXCLUDED.value
		RETURNING value`, name, int64(n)).Scan(&v)
	if err != nil {
		return 0, classify(err)
	}
	return uint64(v), nil
}

// Postgres error codes the store branches on.
const (
	codeUniqueViolation      = "23505"
	codeStringTooLong        = "22001"
	codeCharacterNotInRepert = "22021"
	codeProgramLimitExceeded = "54000"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
	codeTooManyConnections   = "53300"
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("%v: %w", err, indexer.ErrAlreadyExists)
		case pgErr.Code == codeStringTooLong, pgErr.Code == codeCharacterNotInRepert, pgErr.Code == codeProgramLimitExceeded:
			return fmt.Errorf("%v: %w", err, indexer.ErrRejected)
		case pgErr.Code == codeAdminShutdown, pgErr.Code == codeCannotConnectNow, pgErr.Code == codeTooManyConnections,
			len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
	}
	return err
}
