package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dlgate/internal/cache"
	"dlgate/internal/challenge"
	"dlgate/internal/models"
	"dlgate/internal/ratelimit"
	"dlgate/internal/version"

	"github.com/cenkalti/backoff/v5"
)

// maxResponseBytes bounds a query API response body.
const maxResponseBytes = 4 << 20

// Statement is one parameterised SQL statement on the query API wire.
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// QueryRequest is the body POSTed to {endpoint}/query.
type QueryRequest struct {
	Statements []Statement `json:"statements"`
}

// QueryResult is the outcome of one statement. Rows are keyed by column.
type QueryResult struct {
	Rows    []map[string]any `json:"rows"`
	Changes int64            `json:"changes"`
}

// QueryError is an error message reported by the API.
type QueryError struct {
	Message string `json:"message"`
}

// QueryResponse is the query API envelope.
type QueryResponse struct {
	Success bool          `json:"success"`
	Results []QueryResult `json:"results"`
	Errors  []QueryError  `json:"errors"`
}

// HTTPAPIBackend talks to a remote SQL query API that offers no
// transactions across requests. Every mutation is a compare-and-set against
// the values read earlier; conflicts are re-read and retried with backoff up
// to maxRetries times.
type HTTPAPIBackend struct {
	endpoint   string
	token      string
	batch      bool
	maxRetries int
	client     *http.Client
	userAgent  string
}

func NewHTTPAPIBackend(cfg models.HTTPAPIConfig, maxRetries int, timeout time.Duration) (*HTTPAPIBackend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: httpapi endpoint is required", ErrConfiguration)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: httpapi token is required", ErrConfiguration)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max CAS retries must not be negative", ErrConfiguration)
	}

	return &HTTPAPIBackend{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		token:      cfg.Token,
		batch:      cfg.Batch,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
		userAgent:  version.GetInfo().UserAgent(),
	}, nil
}

func (h *HTTPAPIBackend) Name() string  { return models.BackendTypeHTTPAPI }
func (h *HTTPAPIBackend) Batches() bool { return h.batch }

func (h *HTTPAPIBackend) EnsureSchema(ctx context.Context) error {
	stmts := make([]Statement, len(sqliteSchema))
	for i, s := range sqliteSchema {
		stmts[i] = Statement{SQL: s}
	}
	_, err := h.exec(ctx, stmts)
	return err
}

func (h *HTTPAPIBackend) SchemaVersion(ctx context.Context) (string, error) {
	res, err := h.exec(ctx, []Statement{{SQL: selectSchemaVersion}})
	if err != nil {
		// a missing meta table is reported as an uninitialised schema
		if strings.Contains(err.Error(), "no such table") {
			return "", nil
		}
		return "", err
	}
	if len(res[0].Rows) == 0 {
		return "", nil
	}
	return row(res[0].Rows[0]).str("value")
}

func (h *HTTPAPIBackend) Admit(ctx context.Context, op *AdmitOp) (*AdmitResult, error) {
	// Round 1: one read of everything the decision needs.
	stmts := make([]Statement, 0, len(op.Limits)+3)
	for _, lc := range op.Limits {
		stmts = append(stmts, Statement{SQL: selectRateLimit, Params: []any{lc.Key}})
	}
	cacheIdx, diffIdx, tokenIdx := -1, -1, -1
	if op.CacheKey != "" {
		cacheIdx = len(stmts)
		stmts = append(stmts, Statement{SQL: selectCache, Params: []any{op.CacheKey}})
	}
	if len(op.DifficultyKeys) > 0 {
		diffIdx = len(stmts)
		stmts = append(stmts, Statement{SQL: selectDifficulty(len(op.DifficultyKeys)), Params: stringParams(op.DifficultyKeys)})
	}
	if op.Token != nil {
		tokenIdx = len(stmts)
		stmts = append(stmts, Statement{SQL: selectToken, Params: []any{op.Token.Hash}})
	}

	read, err := h.exec(ctx, stmts)
	if err != nil {
		return nil, err
	}

	prevs := make([]*ratelimit.Record, len(op.Limits))
	for i := range op.Limits {
		if prevs[i], err = parseRateLimit(read[i].Rows); err != nil {
			return nil, err
		}
	}

	res := &AdmitResult{Difficulty: map[string]challenge.State{}}
	if cacheIdx >= 0 {
		if res.CacheValue, res.CacheFound, err = parseCache(read[cacheIdx].Rows, op.CacheTTL, op.Now); err != nil {
			return nil, err
		}
	}
	if diffIdx >= 0 {
		if res.Difficulty, err = parseDifficulty(read[diffIdx].Rows); err != nil {
			return nil, err
		}
	}

	// Round 2: per-key compare-and-set of the limit transitions.
	if res.Limits, err = h.applyLimits(ctx, op.Limits, prevs, op.Now); err != nil {
		return nil, err
	}

	// Round 3: the token, only when nothing above denied the request.
	if op.Token != nil && TokenPermitted(op.Now, res.Limits, res.Difficulty) {
		prev, err := parseToken(read[tokenIdx].Rows)
		if err != nil {
			return nil, err
		}
		out, err := h.redeem(ctx, *op.Token, op.Now, prev, true)
		if err != nil {
			return nil, err
		}
		res.Token = &out
	}
	return res, nil
}

func (h *HTTPAPIBackend) RateLimit(ctx context.Context, key string, rule ratelimit.Rule, now int64) (ratelimit.Record, error) {
	res, err := h.exec(ctx, []Statement{{SQL: selectRateLimit, Params: []any{key}}})
	if err != nil {
		return ratelimit.Record{}, err
	}
	prev, err := parseRateLimit(res[0].Rows)
	if err != nil {
		return ratelimit.Record{}, err
	}
	recs, err := h.applyLimits(ctx, []LimitCheck{{Key: key, Rule: rule}}, []*ratelimit.Record{prev}, now)
	if err != nil {
		return ratelimit.Record{}, err
	}
	return recs[0], nil
}

func (h *HTTPAPIBackend) CacheGet(ctx context.Context, key string, ttl time.Duration, now int64) (int64, bool, error) {
	res, err := h.exec(ctx, []Statement{{SQL: selectCache, Params: []any{key}}})
	if err != nil {
		return 0, false, err
	}
	return parseCache(res[0].Rows, ttl, now)
}

func (h *HTTPAPIBackend) CachePut(ctx context.Context, key string, value int64, now int64) error {
	_, err := h.exec(ctx, []Statement{{SQL: upsertCache, Params: []any{key, value, now}}})
	return err
}

func (h *HTTPAPIBackend) Difficulty(ctx context.Context, keys []string) (map[string]challenge.State, error) {
	if len(keys) == 0 {
		return map[string]challenge.State{}, nil
	}
	res, err := h.exec(ctx, []Statement{{SQL: selectDifficulty(len(keys)), Params: stringParams(keys)}})
	if err != nil {
		return nil, err
	}
	return parseDifficulty(res[0].Rows)
}

func (h *HTTPAPIBackend) RecordSuccess(ctx context.Context, key string, p challenge.Policy, now int64) (challenge.State, error) {
	var next challenge.State
	err := h.retry(ctx, "record success", func() error {
		states, err := h.Difficulty(ctx, []string{key})
		if err != nil {
			return err
		}

		var stmt Statement
		st, found := states[key]
		if found {
			next = challenge.Advance(&st, p, now)
			if next == st {
				return nil
			}
			stmt = Statement{SQL: casDifficulty, Params: []any{
				key, next.Level, next.LastSuccessAt, nullable(next.BlockUntil),
				st.Level, st.LastSuccessAt, nullable(st.BlockUntil),
			}}
		} else {
			next = challenge.Advance(nil, p, now)
			stmt = Statement{SQL: insertDifficultyIfAbsent, Params: []any{
				key, next.Level, next.LastSuccessAt, nullable(next.BlockUntil),
			}}
		}

		res, err := h.exec(ctx, []Statement{stmt})
		if err != nil {
			return err
		}
		if res[0].Changes == 0 {
			return errConflict
		}
		return nil
	})
	if err != nil {
		return challenge.State{}, err
	}
	return next, nil
}

func (h *HTTPAPIBackend) RedeemToken(ctx context.Context, use challenge.TokenUse, now int64) (challenge.TokenOutcome, error) {
	return h.redeem(ctx, use, now, nil, false)
}

func (h *HTTPAPIBackend) DeleteExpired(ctx context.Context, table Table, cutoff int64) (int64, error) {
	stmt, err := deleteSQL(table, "?1")
	if err != nil {
		return 0, err
	}
	res, err := h.exec(ctx, []Statement{{SQL: stmt, Params: []any{cutoff}}})
	if err != nil {
		return 0, err
	}
	return res[0].Changes, nil
}

func (h *HTTPAPIBackend) Ping(ctx context.Context) error {
	_, err := h.exec(ctx, []Statement{{SQL: "SELECT 1"}})
	return err
}

func (h *HTTPAPIBackend) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// applyLimits writes the Step transition of every limit whose state changed.
// Each key is compared-and-set independently; keys that lose a race are
// re-read and recomputed while the winners stay applied.
func (h *HTTPAPIBackend) applyLimits(ctx context.Context, limits []LimitCheck, prevs []*ratelimit.Record, now int64) ([]ratelimit.Record, error) {
	records := make([]ratelimit.Record, len(limits))
	pending := make([]int, len(limits))
	for i := range pending {
		pending[i] = i
	}
	reread := false

	err := h.retry(ctx, "rate limit", func() error {
		if reread {
			stmts := make([]Statement, len(pending))
			for j, i := range pending {
				stmts[j] = Statement{SQL: selectRateLimit, Params: []any{limits[i].Key}}
			}
			res, err := h.exec(ctx, stmts)
			if err != nil {
				return err
			}
			for j, i := range pending {
				if prevs[i], err = parseRateLimit(res[j].Rows); err != nil {
					return err
				}
			}
		}
		reread = true

		var stmts []Statement
		var owners []int
		for _, i := range pending {
			next := ratelimit.Step(prevs[i], limits[i].Rule, now)
			records[i] = next
			if !ratelimit.Changed(prevs[i], next) {
				continue
			}
			owners = append(owners, i)
			if prev := prevs[i]; prev == nil {
				stmts = append(stmts, Statement{SQL: insertRateLimitIfAbsent, Params: []any{
					limits[i].Key, next.Count, next.WindowStart, nullable(next.BlockUntil), boolInt(next.Allowed),
				}})
			} else {
				stmts = append(stmts, Statement{SQL: casRateLimit, Params: []any{
					limits[i].Key, next.Count, next.WindowStart, nullable(next.BlockUntil), boolInt(next.Allowed),
					prev.Count, prev.WindowStart, nullable(prev.BlockUntil),
				}})
			}
		}
		if len(stmts) == 0 {
			pending = nil
			return nil
		}

		res, err := h.exec(ctx, stmts)
		if err != nil {
			return err
		}
		pending = pending[:0]
		for j, r := range res {
			if r.Changes == 0 {
				pending = append(pending, owners[j])
			}
		}
		if len(pending) > 0 {
			return errConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// redeem runs the ledger transition under compare-and-set. When loaded is
// true prev is the row from an earlier read and the first attempt skips the
// read.
func (h *HTTPAPIBackend) redeem(ctx context.Context, use challenge.TokenUse, now int64, prev *challenge.TokenRecord, loaded bool) (challenge.TokenOutcome, error) {
	var out challenge.TokenOutcome
	err := h.retry(ctx, "redeem token", func() error {
		if !loaded {
			res, err := h.exec(ctx, []Statement{{SQL: selectToken, Params: []any{use.Hash}}})
			if err != nil {
				return err
			}
			if prev, err = parseToken(res[0].Rows); err != nil {
				return err
			}
		}
		loaded = false

		var next challenge.TokenRecord
		next, out = challenge.Redeem(prev, use, now)
		if !out.Accepted {
			return nil
		}

		stmt := Statement{SQL: insertTokenIfAbsent, Params: []any{
			use.Hash, next.SubjectHash, next.ResourceHash, next.UseCount, next.ExpiresAt,
		}}
		if prev != nil {
			stmt = Statement{SQL: casToken, Params: []any{use.Hash, next.UseCount, prev.UseCount}}
		}
		res, err := h.exec(ctx, []Statement{stmt})
		if err != nil {
			return err
		}
		if res[0].Changes == 0 {
			return errConflict
		}
		return nil
	})
	if err != nil {
		return challenge.TokenOutcome{}, err
	}
	return out, nil
}

// retry runs attempt until it stops reporting errConflict, at most
// maxRetries extra times. Any other error ends the loop immediately.
func (h *HTTPAPIBackend) retry(ctx context.Context, op string, attempt func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.RandomizationFactor = 0.5

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := attempt()
		if err != nil && !errors.Is(err, errConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(h.maxRetries)+1))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errConflict):
		return fmt.Errorf("%w: %s after %d retries", ErrConcurrencyExhausted, op, h.maxRetries)
	default:
		return unavailable(op, err)
	}
}

// exec sends stmts in one request when batching, else one request each,
// and returns one result per statement.
func (h *HTTPAPIBackend) exec(ctx context.Context, stmts []Statement) ([]QueryResult, error) {
	if h.batch {
		return h.send(ctx, stmts)
	}
	out := make([]QueryResult, 0, len(stmts))
	for _, s := range stmts {
		res, err := h.send(ctx, []Statement{s})
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

func (h *HTTPAPIBackend) send(ctx context.Context, stmts []Statement) ([]QueryResult, error) {
	body, err := json.Marshal(QueryRequest{Statements: stmts})
	if err != nil {
		return nil, fmt.Errorf("%w: encode query: %w", ErrConfiguration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrConfiguration, err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, unavailable("query api", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: query api rejected credentials (%d)", ErrConfiguration, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: query api returned %d", ErrUnavailable, resp.StatusCode)
	}

	var qr QueryResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	if err := dec.Decode(&qr); err != nil {
		return nil, inconsistent("decode query response: %v", err)
	}
	if !qr.Success || resp.StatusCode >= 400 {
		msgs := make([]string, 0, len(qr.Errors))
		for _, e := range qr.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("%w: query failed (%d): %s", ErrUnavailable, resp.StatusCode, strings.Join(msgs, "; "))
	}
	if len(qr.Results) != len(stmts) {
		return nil, inconsistent("expected %d results, got %d", len(stmts), len(qr.Results))
	}
	return qr.Results, nil
}

func stringParams(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

// row reads typed columns out of a decoded result row.
type row map[string]any

func (r row) int(col string) (int64, error) {
	v, ok := r[col]
	if !ok {
		return 0, inconsistent("column %s missing", col)
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, inconsistent("column %s: %v", col, err)
		}
		return n, nil
	case float64:
		return int64(t), nil
	case bool:
		return int64(boolInt(t)), nil
	default:
		return 0, inconsistent("column %s has type %T", col, v)
	}
}

func (r row) str(col string) (string, error) {
	v, ok := r[col].(string)
	if !ok {
		return "", inconsistent("column %s missing or not text", col)
	}
	return v, nil
}

func parseRateLimit(rows []map[string]any) (*ratelimit.Record, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	r := row(rows[0])
	count, err := r.int("access_count")
	if err != nil {
		return nil, err
	}
	ws, err := r.int("window_start")
	if err != nil {
		return nil, err
	}
	bu, err := r.int("block_until")
	if err != nil {
		return nil, err
	}
	return &ratelimit.Record{Count: int(count), WindowStart: ws, BlockUntil: bu}, nil
}

func parseCache(rows []map[string]any, ttl time.Duration, now int64) (int64, bool, error) {
	if len(rows) == 0 {
		return 0, false, nil
	}
	r := row(rows[0])
	value, err := r.int("value")
	if err != nil {
		return 0, false, err
	}
	writtenAt, err := r.int("written_at")
	if err != nil {
		return 0, false, err
	}
	if !cache.Fresh(writtenAt, now, ttl) {
		return 0, false, nil
	}
	return value, true, nil
}

func parseDifficulty(rows []map[string]any) (map[string]challenge.State, error) {
	out := make(map[string]challenge.State, len(rows))
	for _, raw := range rows {
		r := row(raw)
		key, err := r.str("state_key")
		if err != nil {
			return nil, err
		}
		level, err := r.int("level")
		if err != nil {
			return nil, err
		}
		last, err := r.int("last_success_at")
		if err != nil {
			return nil, err
		}
		bu, err := r.int("block_until")
		if err != nil {
			return nil, err
		}
		out[key] = challenge.State{Level: int(level), LastSuccessAt: last, BlockUntil: bu}
	}
	return out, nil
}

func parseToken(rows []map[string]any) (*challenge.TokenRecord, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	r := row(rows[0])
	subject, err := r.str("subject_hash")
	if err != nil {
		return nil, err
	}
	resource, err := r.str("resource_hash")
	if err != nil {
		return nil, err
	}
	uses, err := r.int("use_count")
	if err != nil {
		return nil, err
	}
	expires, err := r.int("expires_at")
	if err != nil {
		return nil, err
	}
	return &challenge.TokenRecord{
		SubjectHash:  subject,
		ResourceHash: resource,
		UseCount:     int(uses),
		ExpiresAt:    expires,
	}, nil
}
