package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dlgate/internal/cache"
	"dlgate/internal/challenge"
	"dlgate/internal/models"
	"dlgate/internal/ratelimit"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteBackend is the local-binding adapter. Each primitive is one atomic
// UPSERT ... RETURNING, and Admit wraps them in a single transaction, so no
// client-side retry is ever needed.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(cfg models.SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrConfiguration)
	}

	db, err := sql.Open("sqlite", sqliteDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrConfiguration, err)
	}
	// one writer; concurrent requests queue on the pool instead of
	// failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("ping", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *SQLiteBackend) Name() string  { return models.BackendTypeSQLite }
func (s *SQLiteBackend) Batches() bool { return true }

func (s *SQLiteBackend) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()

	for _, stmt := range sqliteSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return unavailable("ensure schema", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (s *SQLiteBackend) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, selectSchemaVersion).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("schema version", err)
	}
	return v, nil
}

func (s *SQLiteBackend) Admit(ctx context.Context, op *AdmitOp) (*AdmitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin", err)
	}
	defer tx.Rollback()

	res := &AdmitResult{Limits: make([]ratelimit.Record, 0, len(op.Limits))}
	for _, lc := range op.Limits {
		rec, err := sqlRateLimit(ctx, tx, lc.Key, lc.Rule, op.Now)
		if err != nil {
			return nil, err
		}
		res.Limits = append(res.Limits, rec)
	}

	if op.CacheKey != "" {
		if res.CacheValue, res.CacheFound, err = sqlCacheGet(ctx, tx, op.CacheKey, op.CacheTTL, op.Now); err != nil {
			return nil, err
		}
	}

	if res.Difficulty, err = sqlDifficulty(ctx, tx, op.DifficultyKeys); err != nil {
		return nil, err
	}

	if op.Token != nil && TokenPermitted(op.Now, res.Limits, res.Difficulty) {
		out, err := sqlRedeemToken(ctx, tx, *op.Token, op.Now)
		if err != nil {
			return nil, err
		}
		res.Token = &out
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit", err)
	}
	return res, nil
}

func (s *SQLiteBackend) RateLimit(ctx context.Context, key string, rule ratelimit.Rule, now int64) (ratelimit.Record, error) {
	return sqlRateLimit(ctx, s.db, key, rule, now)
}

func (s *SQLiteBackend) CacheGet(ctx context.Context, key string, ttl time.Duration, now int64) (int64, bool, error) {
	return sqlCacheGet(ctx, s.db, key, ttl, now)
}

func (s *SQLiteBackend) CachePut(ctx context.Context, key string, value int64, now int64) error {
	if _, err := s.db.ExecContext(ctx, upsertCache, key, value, now); err != nil {
		return unavailable("cache put", err)
	}
	return nil
}

func (s *SQLiteBackend) Difficulty(ctx context.Context, keys []string) (map[string]challenge.State, error) {
	return sqlDifficulty(ctx, s.db, keys)
}

func (s *SQLiteBackend) RecordSuccess(ctx context.Context, key string, p challenge.Policy, now int64) (challenge.State, error) {
	var st challenge.State
	var blockUntil sql.NullInt64
	err := s.db.QueryRowContext(ctx, upsertDifficulty,
		key, now, p.WindowSeconds(), p.ResetSeconds(), p.BlockSeconds(), p.MaxLevel,
	).Scan(&st.Level, &st.LastSuccessAt, &blockUntil)
	if err != nil {
		return challenge.State{}, unavailable("record success", err)
	}
	st.BlockUntil = blockUntil.Int64
	return st, nil
}

func (s *SQLiteBackend) RedeemToken(ctx context.Context, use challenge.TokenUse, now int64) (challenge.TokenOutcome, error) {
	return sqlRedeemToken(ctx, s.db, use, now)
}

func (s *SQLiteBackend) DeleteExpired(ctx context.Context, table Table, cutoff int64) (int64, error) {
	stmt, err := deleteSQL(table, "?1")
	if err != nil {
		return 0, err
	}
	r, err := s.db.ExecContext(ctx, stmt, cutoff)
	if err != nil {
		return 0, unavailable("delete "+string(table), err)
	}
	n, _ := r.RowsAffected()
	return n, nil
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func sqlRateLimit(ctx context.Context, q querier, key string, rule ratelimit.Rule, now int64) (ratelimit.Record, error) {
	var rec ratelimit.Record
	var blockUntil sql.NullInt64
	var allowed int
	err := q.QueryRowContext(ctx, upsertRateLimit,
		key, now, rule.WindowSeconds(), rule.Limit, rule.BlockSeconds(),
	).Scan(&rec.Count, &rec.WindowStart, &blockUntil, &allowed)
	if err != nil {
		return ratelimit.Record{}, unavailable("rate limit", err)
	}
	rec.BlockUntil = blockUntil.Int64
	rec.Allowed = allowed == 1
	return rec, nil
}

func sqlCacheGet(ctx context.Context, q querier, key string, ttl time.Duration, now int64) (int64, bool, error) {
	var value, writtenAt int64
	err := q.QueryRowContext(ctx, selectCache, key).Scan(&value, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("cache get", err)
	}
	if !cache.Fresh(writtenAt, now, ttl) {
		return 0, false, nil
	}
	return value, true, nil
}

func sqlDifficulty(ctx context.Context, q querier, keys []string) (map[string]challenge.State, error) {
	out := make(map[string]challenge.State, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := q.QueryContext(ctx, selectDifficulty(len(keys)), args...)
	if err != nil {
		return nil, unavailable("difficulty", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var st challenge.State
		var blockUntil sql.NullInt64
		if err := rows.Scan(&key, &st.Level, &st.LastSuccessAt, &blockUntil); err != nil {
			return nil, inconsistent("difficulty row: %v", err)
		}
		st.BlockUntil = blockUntil.Int64
		out[key] = st
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("difficulty", err)
	}
	return out, nil
}

func sqlRedeemToken(ctx context.Context, q querier, use challenge.TokenUse, now int64) (challenge.TokenOutcome, error) {
	var count int
	err := q.QueryRowContext(ctx, upsertToken,
		use.Hash, use.BoundSubject, use.BoundResource, use.ExpiresAt,
		use.Subject, use.Resource, now, use.MaxUses,
	).Scan(&count)
	if err == nil {
		return challenge.TokenOutcome{Accepted: true, UseCount: count}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return challenge.TokenOutcome{}, unavailable("redeem token", err)
	}

	row, err := sqlSelectToken(ctx, q, use.Hash)
	if err != nil {
		return challenge.TokenOutcome{}, err
	}
	return classifyToken(row, use, now)
}

func sqlSelectToken(ctx context.Context, q querier, hash string) (*challenge.TokenRecord, error) {
	var rec challenge.TokenRecord
	err := q.QueryRowContext(ctx, selectToken, hash).Scan(&rec.SubjectHash, &rec.ResourceHash, &rec.UseCount, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read token", err)
	}
	return &rec, nil
}
