package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dlgate/internal/cache"
	"dlgate/internal/challenge"
	"dlgate/internal/models"
	"dlgate/internal/ratelimit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaLockID serialises concurrent EnsureSchema runs across instances.
const schemaLockID = 0x646c67617465

var postgresSchema = []string{
	`SELECT pg_advisory_xact_lock(` + fmt.Sprint(schemaLockID) + `)`,
	`CREATE TABLE IF NOT EXISTS dlgate_rate_limits (
		subject_key  TEXT PRIMARY KEY,
		access_count INTEGER NOT NULL,
		window_start BIGINT NOT NULL,
		block_until  BIGINT,
		last_allowed BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlgate_rate_limits_window ON dlgate_rate_limits (window_start)`,
	`CREATE TABLE IF NOT EXISTS dlgate_cache (
		resource_key TEXT PRIMARY KEY,
		value        BIGINT NOT NULL,
		written_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlgate_cache_written ON dlgate_cache (written_at)`,
	`CREATE TABLE IF NOT EXISTS dlgate_difficulty (
		state_key       TEXT PRIMARY KEY,
		level           INTEGER NOT NULL,
		last_success_at BIGINT NOT NULL,
		block_until     BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS dlgate_tokens (
		token_hash    TEXT PRIMARY KEY,
		subject_hash  TEXT NOT NULL,
		resource_hash TEXT NOT NULL,
		use_count     INTEGER NOT NULL,
		expires_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlgate_tokens_expires ON dlgate_tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS dlgate_meta (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	pgRateLimitFunc,
	pgRecordSuccessFunc,
	pgRedeemTokenFunc,
	pgAdmitFunc,
	`INSERT INTO dlgate_meta (name, value) VALUES ('` + metaVersionKey + `', '` + SchemaVersion + `')
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
}

var pgRateLimitFunc = expand(`
CREATE OR REPLACE FUNCTION dlgate_rate_limit(p_key TEXT, p_now BIGINT, p_window BIGINT, p_limit INTEGER, p_block BIGINT)
RETURNS dlgate_rate_limits LANGUAGE sql AS $$
INSERT INTO dlgate_rate_limits AS r (subject_key, access_count, window_start, block_until, last_allowed)
VALUES (p_key, 1, p_now, NULL, TRUE)
ON CONFLICT (subject_key) DO UPDATE SET
	access_count = CASE
		WHEN {blocked} THEN r.access_count
		WHEN {fresh} THEN 1
		WHEN r.access_count >= p_limit THEN r.access_count
		ELSE r.access_count + 1 END,
	window_start = CASE
		WHEN {blocked} THEN r.window_start
		WHEN {fresh} THEN p_now
		ELSE r.window_start END,
	block_until = CASE
		WHEN {blocked} THEN r.block_until
		WHEN {fresh} THEN NULL
		WHEN r.access_count >= p_limit AND p_block > 0 THEN p_now + p_block
		ELSE NULL END,
	last_allowed = CASE
		WHEN {blocked} THEN FALSE
		WHEN {fresh} THEN TRUE
		WHEN r.access_count >= p_limit THEN FALSE
		ELSE TRUE END
RETURNING r.*
$$`, map[string]string{
	"blocked": "(r.block_until IS NOT NULL AND r.block_until > p_now)",
	"fresh":   "(p_now - r.window_start >= p_window OR (r.block_until IS NOT NULL AND r.block_until <= p_now))",
})

var pgRecordSuccessFunc = expand(`
CREATE OR REPLACE FUNCTION dlgate_record_success(p_key TEXT, p_now BIGINT, p_window BIGINT, p_reset BIGINT, p_block BIGINT, p_max INTEGER)
RETURNS dlgate_difficulty LANGUAGE sql AS $$
INSERT INTO dlgate_difficulty AS d (state_key, level, last_success_at, block_until)
VALUES (p_key, 0, p_now, NULL)
ON CONFLICT (state_key) DO UPDATE SET
	level = CASE
		WHEN {blocked} THEN d.level
		WHEN {expired} THEN 0
		ELSE {next} END,
	last_success_at = CASE
		WHEN {blocked} THEN d.last_success_at
		ELSE p_now END,
	block_until = CASE
		WHEN {blocked} THEN d.block_until
		WHEN {expired} THEN NULL
		WHEN {next} >= p_max AND p_block > 0 THEN p_now + p_block
		ELSE NULL END
RETURNING d.*
$$`, map[string]string{
	"blocked": "(d.block_until IS NOT NULL AND d.block_until > p_now)",
	"expired": "(d.block_until IS NOT NULL AND d.block_until <= p_now)",
	"next": `LEAST(p_max, CASE
			WHEN p_now - d.last_success_at < p_window THEN d.level + 1
			WHEN p_now - d.last_success_at < p_reset THEN GREATEST(d.level - 1, 0)
			ELSE 0 END)`,
})

// dlgate_redeem_token returns the new use count, or NULL when refused.
const pgRedeemTokenFunc = `
CREATE OR REPLACE FUNCTION dlgate_redeem_token(p_hash TEXT, p_bound_subject TEXT, p_bound_resource TEXT,
	p_expires_at BIGINT, p_subject TEXT, p_resource TEXT, p_now BIGINT, p_max INTEGER)
RETURNS INTEGER LANGUAGE sql AS $$
INSERT INTO dlgate_tokens AS t (token_hash, subject_hash, resource_hash, use_count, expires_at)
SELECT p_hash, p_bound_subject, p_bound_resource, 1, p_expires_at
WHERE p_bound_subject = p_subject AND p_expires_at > p_now AND p_max >= 1 AND p_bound_resource = p_resource
ON CONFLICT (token_hash) DO UPDATE SET use_count = t.use_count + 1
WHERE t.subject_hash = p_subject AND t.expires_at > p_now AND t.use_count < p_max AND t.resource_hash = p_resource
RETURNING t.use_count
$$`

// dlgate_admit evaluates a whole admission in one round trip and one
// transaction. The token is only touched when no limit denied and no
// difficulty block is active.
const pgAdmitFunc = `
CREATE OR REPLACE FUNCTION dlgate_admit(p_now BIGINT, p_keys TEXT[], p_limits INTEGER[], p_windows BIGINT[], p_blocks BIGINT[],
	p_cache_key TEXT, p_difficulty_keys TEXT[],
	p_token_hash TEXT, p_token_bound_subject TEXT, p_token_bound_resource TEXT,
	p_token_subject TEXT, p_token_resource TEXT, p_token_max_uses INTEGER, p_token_expires_at BIGINT)
RETURNS JSONB LANGUAGE plpgsql AS $$
DECLARE
	v_limits     JSONB := '[]'::jsonb;
	v_cache      JSONB;
	v_difficulty JSONB;
	v_token      JSONB;
	v_row        dlgate_rate_limits;
	v_blocked    BOOLEAN;
	v_permitted  BOOLEAN := TRUE;
	v_uses       INTEGER;
	v_existing   JSONB;
BEGIN
	FOR i IN 1 .. coalesce(array_length(p_keys, 1), 0) LOOP
		v_row := dlgate_rate_limit(p_keys[i], p_now, p_windows[i], p_limits[i], p_blocks[i]);
		v_limits := v_limits || jsonb_build_array(jsonb_build_object(
			'count', v_row.access_count,
			'window_start', v_row.window_start,
			'block_until', v_row.block_until,
			'allowed', v_row.last_allowed));
		IF NOT v_row.last_allowed THEN
			v_permitted := FALSE;
		END IF;
	END LOOP;

	IF p_cache_key IS NOT NULL THEN
		SELECT jsonb_build_object('value', c.value, 'written_at', c.written_at) INTO v_cache
		FROM dlgate_cache c WHERE c.resource_key = p_cache_key;
	END IF;

	SELECT coalesce(jsonb_object_agg(d.state_key, jsonb_build_object(
			'level', d.level,
			'last_success_at', d.last_success_at,
			'block_until', d.block_until)), '{}'::jsonb),
		coalesce(bool_or(d.block_until IS NOT NULL AND d.block_until > p_now), FALSE)
	INTO v_difficulty, v_blocked
	FROM dlgate_difficulty d WHERE d.state_key = ANY(coalesce(p_difficulty_keys, '{}'::text[]));
	IF v_blocked THEN
		v_permitted := FALSE;
	END IF;

	IF p_token_hash IS NOT NULL AND v_permitted THEN
		v_uses := dlgate_redeem_token(p_token_hash, p_token_bound_subject, p_token_bound_resource,
			p_token_expires_at, p_token_subject, p_token_resource, p_now, p_token_max_uses);
		IF v_uses IS NOT NULL THEN
			v_token := jsonb_build_object('accepted', TRUE, 'use_count', v_uses);
		ELSE
			SELECT jsonb_build_object(
				'subject_hash', t.subject_hash,
				'resource_hash', t.resource_hash,
				'use_count', t.use_count,
				'expires_at', t.expires_at) INTO v_existing
			FROM dlgate_tokens t WHERE t.token_hash = p_token_hash;
			v_token := jsonb_build_object('accepted', FALSE, 'row', v_existing);
		END IF;
	END IF;

	RETURN jsonb_build_object(
		'limits', v_limits,
		'cache', v_cache,
		'difficulty', v_difficulty,
		'token', v_token);
END
$$`

// pgAdmitResult mirrors the JSONB document returned by dlgate_admit.
type pgAdmitResult struct {
	Limits []struct {
		Count       int    `json:"count"`
		WindowStart int64  `json:"window_start"`
		BlockUntil  *int64 `json:"block_until"`
		Allowed     bool   `json:"allowed"`
	} `json:"limits"`
	Cache *struct {
		Value     int64 `json:"value"`
		WrittenAt int64 `json:"written_at"`
	} `json:"cache"`
	Difficulty map[string]struct {
		Level         int    `json:"level"`
		LastSuccessAt int64  `json:"last_success_at"`
		BlockUntil    *int64 `json:"block_until"`
	} `json:"difficulty"`
	Token *struct {
		Accepted bool `json:"accepted"`
		UseCount int  `json:"use_count"`
		Row      *struct {
			SubjectHash  string `json:"subject_hash"`
			ResourceHash string `json:"resource_hash"`
			UseCount     int    `json:"use_count"`
			ExpiresAt    int64  `json:"expires_at"`
		} `json:"row"`
	} `json:"token"`
}

// PostgresBackend is the RPC-style adapter: atomicity lives in stored
// functions, and Admit is a single call.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(cfg models.PostgresConfig) (*PostgresBackend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrConfiguration)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid postgres dsn: %w", ErrConfiguration, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create connection pool: %w", ErrConfiguration, err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Name() string  { return models.BackendTypePostgres }
func (p *PostgresBackend) Batches() bool { return true }

func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, stmt := range postgresSchema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return pgError("ensure schema", err)
			}
		}
		return nil
	})
}

func (p *PostgresBackend) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := p.pool.QueryRow(ctx, selectSchemaVersion).Scan(&v)
	switch {
	case errors.Is(err, pgx.ErrNoRows), pgCode(err) == pgUndefinedTable:
		return "", nil
	case err != nil:
		return "", pgError("schema version", err)
	}
	return v, nil
}

func (p *PostgresBackend) Admit(ctx context.Context, op *AdmitOp) (*AdmitResult, error) {
	keys := make([]string, len(op.Limits))
	limits := make([]int32, len(op.Limits))
	windows := make([]int64, len(op.Limits))
	blocks := make([]int64, len(op.Limits))
	for i, lc := range op.Limits {
		keys[i] = lc.Key
		limits[i] = int32(lc.Rule.Limit)
		windows[i] = lc.Rule.WindowSeconds()
		blocks[i] = lc.Rule.BlockSeconds()
	}

	var cacheKey *string
	if op.CacheKey != "" {
		cacheKey = &op.CacheKey
	}

	var tHash, tBoundSubject, tBoundResource, tSubject, tResource *string
	var tMaxUses *int32
	var tExpires *int64
	if t := op.Token; t != nil {
		maxUses := int32(t.MaxUses)
		tHash, tBoundSubject, tBoundResource = &t.Hash, &t.BoundSubject, &t.BoundResource
		tSubject, tResource = &t.Subject, &t.Resource
		tMaxUses, tExpires = &maxUses, &t.ExpiresAt
	}

	difficultyKeys := op.DifficultyKeys
	if difficultyKeys == nil {
		difficultyKeys = []string{}
	}

	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT dlgate_admit($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		op.Now, keys, limits, windows, blocks, cacheKey, difficultyKeys,
		tHash, tBoundSubject, tBoundResource, tSubject, tResource, tMaxUses, tExpires,
	).Scan(&raw)
	if err != nil {
		return nil, pgError("admit", err)
	}

	var doc pgAdmitResult
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, inconsistent("decode admit result: %v", err)
	}
	if len(doc.Limits) != len(op.Limits) {
		return nil, inconsistent("expected %d limit records, got %d", len(op.Limits), len(doc.Limits))
	}

	res := &AdmitResult{
		Limits:     make([]ratelimit.Record, len(doc.Limits)),
		Difficulty: make(map[string]challenge.State, len(doc.Difficulty)),
	}
	for i, l := range doc.Limits {
		res.Limits[i] = ratelimit.Record{Count: l.Count, WindowStart: l.WindowStart, BlockUntil: deref(l.BlockUntil), Allowed: l.Allowed}
	}
	if c := doc.Cache; c != nil && cache.Fresh(c.WrittenAt, op.Now, op.CacheTTL) {
		res.CacheValue, res.CacheFound = c.Value, true
	}
	for k, d := range doc.Difficulty {
		res.Difficulty[k] = challenge.State{Level: d.Level, LastSuccessAt: d.LastSuccessAt, BlockUntil: deref(d.BlockUntil)}
	}

	if t := doc.Token; t != nil && op.Token != nil {
		if t.Accepted {
			res.Token = &challenge.TokenOutcome{Accepted: true, UseCount: t.UseCount}
		} else {
			var row *challenge.TokenRecord
			if t.Row != nil {
				row = &challenge.TokenRecord{
					SubjectHash:  t.Row.SubjectHash,
					ResourceHash: t.Row.ResourceHash,
					UseCount:     t.Row.UseCount,
					ExpiresAt:    t.Row.ExpiresAt,
				}
			}
			out, err := classifyToken(row, *op.Token, op.Now)
			if err != nil {
				return nil, err
			}
			res.Token = &out
		}
	}
	return res, nil
}

func (p *PostgresBackend) RateLimit(ctx context.Context, key string, rule ratelimit.Rule, now int64) (ratelimit.Record, error) {
	var rec ratelimit.Record
	var blockUntil *int64
	err := p.pool.QueryRow(ctx,
		`SELECT access_count, window_start, block_until, last_allowed FROM dlgate_rate_limit($1, $2, $3, $4, $5)`,
		key, now, rule.WindowSeconds(), int32(rule.Limit), rule.BlockSeconds(),
	).Scan(&rec.Count, &rec.WindowStart, &blockUntil, &rec.Allowed)
	if err != nil {
		return ratelimit.Record{}, pgError("rate limit", err)
	}
	rec.BlockUntil = deref(blockUntil)
	return rec, nil
}

func (p *PostgresBackend) CacheGet(ctx context.Context, key string, ttl time.Duration, now int64) (int64, bool, error) {
	var value, writtenAt int64
	err := p.pool.QueryRow(ctx,
		`SELECT value, written_at FROM dlgate_cache WHERE resource_key = $1`, key,
	).Scan(&value, &writtenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, pgError("cache get", err)
	}
	if !cache.Fresh(writtenAt, now, ttl) {
		return 0, false, nil
	}
	return value, true, nil
}

func (p *PostgresBackend) CachePut(ctx context.Context, key string, value int64, now int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO dlgate_cache (resource_key, value, written_at) VALUES ($1, $2, $3)
		ON CONFLICT (resource_key) DO UPDATE SET value = excluded.value, written_at = excluded.written_at`,
		key, value, now)
	if err != nil {
		return pgError("cache put", err)
	}
	return nil
}

func (p *PostgresBackend) Difficulty(ctx context.Context, keys []string) (map[string]challenge.State, error) {
	out := make(map[string]challenge.State, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT state_key, level, last_success_at, block_until FROM dlgate_difficulty WHERE state_key = ANY($1)`, keys)
	if err != nil {
		return nil, pgError("difficulty", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var st challenge.State
		var blockUntil *int64
		if err := rows.Scan(&key, &st.Level, &st.LastSuccessAt, &blockUntil); err != nil {
			return nil, inconsistent("difficulty row: %v", err)
		}
		st.BlockUntil = deref(blockUntil)
		out[key] = st
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("difficulty", err)
	}
	return out, nil
}

func (p *PostgresBackend) RecordSuccess(ctx context.Context, key string, pol challenge.Policy, now int64) (challenge.State, error) {
	var st challenge.State
	var blockUntil *int64
	err := p.pool.QueryRow(ctx,
		`SELECT level, last_success_at, block_until FROM dlgate_record_success($1, $2, $3, $4, $5, $6)`,
		key, now, pol.WindowSeconds(), pol.ResetSeconds(), pol.BlockSeconds(), int32(pol.MaxLevel),
	).Scan(&st.Level, &st.LastSuccessAt, &blockUntil)
	if err != nil {
		return challenge.State{}, pgError("record success", err)
	}
	st.BlockUntil = deref(blockUntil)
	return st, nil
}

func (p *PostgresBackend) RedeemToken(ctx context.Context, use challenge.TokenUse, now int64) (challenge.TokenOutcome, error) {
	var uses *int32
	err := p.pool.QueryRow(ctx,
		`SELECT dlgate_redeem_token($1, $2, $3, $4, $5, $6, $7, $8)`,
		use.Hash, use.BoundSubject, use.BoundResource, use.ExpiresAt, use.Subject, use.Resource, now, int32(use.MaxUses),
	).Scan(&uses)
	if err != nil {
		return challenge.TokenOutcome{}, pgError("redeem token", err)
	}
	if uses != nil {
		return challenge.TokenOutcome{Accepted: true, UseCount: int(*uses)}, nil
	}

	var rec challenge.TokenRecord
	err = p.pool.QueryRow(ctx,
		`SELECT subject_hash, resource_hash, use_count, expires_at FROM dlgate_tokens WHERE token_hash = $1`, use.Hash,
	).Scan(&rec.SubjectHash, &rec.ResourceHash, &rec.UseCount, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return classifyToken(nil, use, now)
	}
	if err != nil {
		return challenge.TokenOutcome{}, pgError("read token", err)
	}
	return classifyToken(&rec, use, now)
}

func (p *PostgresBackend) DeleteExpired(ctx context.Context, table Table, cutoff int64) (int64, error) {
	stmt, err := deleteSQL(table, "$1")
	if err != nil {
		return 0, err
	}
	tag, err := p.pool.Exec(ctx, stmt, cutoff)
	if err != nil {
		return 0, pgError("delete "+string(table), err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

const (
	pgUndefinedTable    = "42P01"
	pgUndefinedFunction = "42883"
)

func pgCode(err error) string {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// pgError classifies a driver error. A missing table or function means the
// schema was never installed, which is a setup problem rather than an outage.
func pgError(op string, err error) error {
	switch pgCode(err) {
	case pgUndefinedTable, pgUndefinedFunction:
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, op, err)
	}
	return unavailable(op, err)
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
