package ratelimit

import (
	"context"
	"fmt"
)

// Store applies Step atomically for one subject key and returns the
// resulting record. Backend adapters implement it.
type Store interface {
	RateLimit(ctx context.Context, key string, rule Rule, now int64) (Record, error)
}

// Engine is one limiter instance bound to a subject kind and its rule.
type Engine struct {
	name  string
	rule  Rule
	store Store
}

func NewEngine(name string, rule Rule, store Store) (*Engine, error) {
	if rule.Limit < 1 {
		return nil, fmt.Errorf("%s: limit must be at least 1", name)
	}
	if rule.WindowSeconds() < 1 {
		return nil, fmt.Errorf("%s: window must be at least 1s", name)
	}
	return &Engine{name: name, rule: rule, store: store}, nil
}

func (e *Engine) Name() string { return e.name }
func (e *Engine) Rule() Rule   { return e.rule }

// Count records one request against key and returns the applied record.
// Pass it to Evaluate for the decision.
func (e *Engine) Count(ctx context.Context, key string, now int64) (Record, error) {
	rec, err := e.store.RateLimit(ctx, key, e.rule, now)
	if err != nil {
		return Record{}, fmt.Errorf("%s rate limit: %w", e.name, err)
	}
	return rec, nil
}

// Evaluate turns a record from Count or from a combined backend operation
// into a result under this engine's rule.
func (e *Engine) Evaluate(rec Record, now int64) Result {
	return Outcome(rec, e.rule, now)
}
