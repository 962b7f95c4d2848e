// Package ratelimit implements the sliding-window limiter with block
// escalation. The transition function Step is pure and is the single source
// of truth for the algorithm: backends either run it client side (optimistic
// concurrency) or mirror it in one server-side statement, and the
// conformance tests hold both to Step's results.
package ratelimit

import "time"

// Rule parameterises one subject kind (per subnet, per subnet+resource).
type Rule struct {
	Limit  int
	Window time.Duration
	Block  time.Duration // zero disables escalation
}

func (r Rule) WindowSeconds() int64 { return int64(r.Window / time.Second) }
func (r Rule) BlockSeconds() int64  { return int64(r.Block / time.Second) }

// Record is the persisted state of one subject. Times are unix seconds and
// BlockUntil is zero when no block is set. Allowed is the decision taken by
// the transition that produced the record; it is not part of the state.
type Record struct {
	Count       int
	WindowStart int64
	BlockUntil  int64
	Allowed     bool
}

// Result is what callers see of a decision.
type Result struct {
	Allowed    bool
	RetryAfter int64 // seconds, at least 1 when denied
	Count      int
	Limit      int
}

// Step applies one request at time now to prev (nil when the subject has no
// record yet) and returns the next record.
//
//  1. an active block denies and leaves the record untouched
//  2. an elapsed window or an expired block starts a fresh window
//  3. a full window denies and, when the rule escalates, starts a block
//  4. otherwise the request is counted and allowed
func Step(prev *Record, rule Rule, now int64) Record {
	if prev == nil {
		return Record{Count: 1, WindowStart: now, Allowed: true}
	}

	next := *prev
	if next.BlockUntil > now {
		next.Allowed = false
		return next
	}

	blockExpired := next.BlockUntil != 0 && next.BlockUntil <= now
	if now-next.WindowStart >= rule.WindowSeconds() || blockExpired {
		return Record{Count: 1, WindowStart: now, Allowed: true}
	}

	if next.Count >= rule.Limit {
		next.Allowed = false
		if block := rule.BlockSeconds(); block > 0 {
			next.BlockUntil = now + block
		}
		return next
	}

	next.Count++
	next.Allowed = true
	return next
}

// Outcome derives the caller-facing result from a record produced by Step
// (or by a backend mirroring it) at time now.
func Outcome(rec Record, rule Rule, now int64) Result {
	res := Result{Allowed: rec.Allowed, Count: rec.Count, Limit: rule.Limit}
	if rec.Allowed {
		return res
	}

	if rec.BlockUntil > now {
		res.RetryAfter = rec.BlockUntil - now
	} else {
		res.RetryAfter = rule.WindowSeconds() - (now - rec.WindowStart)
	}
	if res.RetryAfter < 1 {
		res.RetryAfter = 1
	}
	return res
}

// Changed reports whether next differs from prev in persisted state.
// Backends use it to skip writes for denials that leave the row untouched.
func Changed(prev *Record, next Record) bool {
	if prev == nil {
		return true
	}
	return prev.Count != next.Count || prev.WindowStart != next.WindowStart || prev.BlockUntil != next.BlockUntil
}

// Combine merges the results of independent subjects evaluated for one
// request. The request is denied when any subject denies, and the longest
// retry-after among the denials is reported so the client never retries into
// a limit that is still closed.
func Combine(results ...Result) Result {
	if len(results) == 0 {
		return Result{Allowed: true}
	}
	out := results[0]
	for _, r := range results[1:] {
		switch {
		case !r.Allowed && out.Allowed:
			out = r
		case !r.Allowed && !out.Allowed && r.RetryAfter > out.RetryAfter:
			out = r
		}
	}
	return out
}
