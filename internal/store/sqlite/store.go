package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"internline/internal/domain"
	"internline/internal/indexer"
)

// maxParams keeps multi-row statements under SQLite's bound-parameter limit.
const maxParams = 900

type Store struct {
	DB *sql.DB
}

var (
	_ indexer.BatchBackend = Store{}
	_ indexer.Counter      = Store{}
)

func (s Store) Name() string { return "sqlite" }

func scanMapping(row interface{ Scan(...any) error }) (domain.Mapping, error) {
	var (
		m       domain.Mapping
		uc      string
		created string
	)
	if err := row.Scan(&m.Key, &uc, &m.OrgID, &m.String, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, indexer.ErrNotFound
		}
		return m, classify(err)
	}
	m.UseCase = domain.UseCaseKey(uc)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return m, nil
}

func (s Store) GetByString(ctx context.Context, uc domain.UseCaseKey, orgID int64, str string) (domain.Mapping, error) {
	return scanMapping(s.DB.QueryRowContext(ctx,
		`SELECT id,use_case,org_id,string,created_at FROM string_index WHERE use_case=? AND org_id=? AND string=?`,
		string(uc), orgID, str))
}

func (s Store) GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error) {
	return scanMapping(s.DB.QueryRowContext(ctx,
		`SELECT id,use_case,org_id,string,created_at FROM string_index WHERE id=?`, int64(key)))
}

func (s Store) Insert(ctx context.Context, m domain.Mapping) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO string_index(id,use_case,org_id,string,created_at) VALUES (?,?,?,?,?)`,
		int64(m.Key), string(m.UseCase), m.OrgID, m.String, m.CreatedAt.UTC().Format(time.RFC3339Nano))
	return classify(err)
}

func (s Store) GetManyByString(ctx context.Context, uc domain.UseCaseKey, items domain.OrgStrings) ([]domain.Mapping, error) {
	var out []domain.Mapping
	for _, org := range items.Orgs() {
		strs := items[org]
		for start := 0; start < len(strs); start += maxParams {
			end := min(start+maxParams, len(strs))
			chunk := strs[start:end]
			args := make([]any, 0, len(chunk)+2)
			args = append(args, string(uc), org)
			for _, str := range chunk {
				args = append(args, str)
			}
			query := fmt.Sprintf(`SELECT id,use_case,org_id,string,created_at FROM string_index WHERE use_case=? AND org_id=? AND string IN (%s)`,
				placeholders(len(chunk)))
			rows, err := s.DB.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, classify(err)
			}
			for rows.Next() {
				m, err := scanMapping(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				out = append(out, m)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, classify(err)
			}
			rows.Close()
		}
	}
	return out, nil
}

// InsertMany writes rows in one transaction, skipping any that conflict.
func (s Store) InsertMany(ctx context.Context, rows []domain.Mapping) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	const perRow = 5
	for start := 0; start < len(rows); start += maxParams / perRow {
		end := min(start+maxParams/perRow, len(rows))
		chunk := rows[start:end]
		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*perRow)
		for _, m := range chunk {
			values = append(values, "(?,?,?,?,?)")
			args = append(args, int64(m.Key), string(m.UseCase), m.OrgID, m.String, m.CreatedAt.UTC().Format(time.RFC3339Nano))
		}
		query := `INSERT INTO string_index(id,use_case,org_id,string,created_at) VALUES ` +
			strings.Join(values, ",") + ` ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (s Store) CountStrings(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM string_index WHERE use_case=? AND org_id=?`, string(uc), orgID).Scan(&n)
	return n, classify(err)
}

// Reserve advances the named sequence row by n and returns the new value.
func (s Store) Reserve(ctx context.Context, name string, n uint64) (uint64, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO sequences(name,value) VALUES (?,?) ON CONFLICT(name) DO UPDATE SET value = value + excluded.value RETURNING value`,
		name, int64(n)).Scan(&v)
	if err != nil {
		return 0, classify(err)
	}
	return uint64(v), nil
}

// classify maps driver errors onto the indexer sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%v: %w", err, indexer.ErrAlreadyExists)
		}
		// primary result code
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_TOOBIG:
			return fmt.Errorf("%v: %w", err, indexer.ErrRejected)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
