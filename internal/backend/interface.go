// Package backend executes the admission primitives against the shared store.
// Three adapters realise one contract with different consistency tools:
//
//   - sqlite: local binding, one atomic UPSERT ... RETURNING per primitive
//   - postgres: RPC style, the whole admission runs in one stored function
//   - httpapi: remote SQL query API, optimistic compare-and-set with
//     bounded retry
//
// All times cross this boundary as unix seconds chosen by the caller, so a
// request sees one consistent "now" across every primitive.
package backend

import (
	"context"
	"time"

	"dlgate/internal/challenge"
	"dlgate/internal/ratelimit"
)

// Table identifies a record family for cleanup.
type Table string

const (
	TableRateLimits Table = "dlgate_rate_limits"
	TableCache      Table = "dlgate_cache"
	TableDifficulty Table = "dlgate_difficulty"
	TableTokens     Table = "dlgate_tokens"
)

// Tables lists every family cleanup must visit.
var Tables = []Table{TableRateLimits, TableCache, TableDifficulty, TableTokens}

// Backend defines the store operations admission control needs. Every
// method must be safe for concurrent use.
type Backend interface {
	// Name identifies the adapter in logs and metrics.
	Name() string

	// Batches reports whether Admit reaches the store in one combined
	// operation. Callers fall back to the granular methods otherwise.
	Batches() bool

	// EnsureSchema creates tables (and functions) idempotently.
	EnsureSchema(ctx context.Context) error

	// SchemaVersion returns the version recorded by EnsureSchema.
	SchemaVersion(ctx context.Context) (string, error)

	// Admit runs rate limits, the cache read, difficulty reads and the
	// conditional token redemption as one logical operation.
	Admit(ctx context.Context, op *AdmitOp) (*AdmitResult, error)

	// RateLimit applies one request to key.
	RateLimit(ctx context.Context, key string, rule ratelimit.Rule, now int64) (ratelimit.Record, error)

	// CacheGet returns the value for key when it is no older than ttl.
	CacheGet(ctx context.Context, key string, ttl time.Duration, now int64) (int64, bool, error)

	// CachePut stores value for key, overwriting any previous value.
	CachePut(ctx context.Context, key string, value int64, now int64) error

	// Difficulty returns stored states for the keys that exist.
	Difficulty(ctx context.Context, keys []string) (map[string]challenge.State, error)

	// RecordSuccess advances the difficulty state of key.
	RecordSuccess(ctx context.Context, key string, p challenge.Policy, now int64) (challenge.State, error)

	// RedeemToken applies the single-use ledger rules to use.
	RedeemToken(ctx context.Context, use challenge.TokenUse, now int64) (challenge.TokenOutcome, error)

	// DeleteExpired removes rows of table that expired before cutoff.
	DeleteExpired(ctx context.Context, table Table, cutoff int64) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases connections.
	Close() error
}

// LimitCheck is one rate-limit subject evaluated by Admit.
type LimitCheck struct {
	Key  string
	Rule ratelimit.Rule
}

// AdmitOp describes one combined admission operation.
type AdmitOp struct {
	Now            int64
	Limits         []LimitCheck
	CacheKey       string // empty skips the cache read
	CacheTTL       time.Duration
	DifficultyKeys []string
	Token          *challenge.TokenUse // nil when the request carries no proof
}

// AdmitResult holds the applied state. Limits is in AdmitOp.Limits order.
// Token is nil when no token was given or redemption was skipped because
// the request was already denied.
type AdmitResult struct {
	Limits     []ratelimit.Record
	CacheValue int64
	CacheFound bool
	Difficulty map[string]challenge.State
	Token      *challenge.TokenOutcome
}

// TokenPermitted reports whether a token may be redeemed given the applied
// limit records and difficulty states: a request that is rate limited or
// whose subject is blocked must not burn its proof.
func TokenPermitted(now int64, limits []ratelimit.Record, difficulty map[string]challenge.State) bool {
	for _, rec := range limits {
		if !rec.Allowed {
			return false
		}
	}
	for _, st := range difficulty {
		if st.BlockUntil > now {
			return false
		}
	}
	return true
}

// classifyToken turns a failed single-statement redemption into its code
// using the row read back afterwards.
func classifyToken(row *challenge.TokenRecord, use challenge.TokenUse, now int64) (challenge.TokenOutcome, error) {
	_, out := challenge.Redeem(row, use, now)
	if out.Accepted {
		return challenge.TokenOutcome{}, inconsistent("token %s rejected by store but valid on read back", shortKey(use.Hash))
	}
	return out, nil
}

// shortKey trims a hashed key for error messages.
func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
