// Package challenge implements challenge admission control: the adaptive
// difficulty state machine shared by the puzzle and ticket families, the
// HMAC binding that ties a solved challenge to one resource and subject, the
// single-use token ledger rules and the cookie-bound interactive challenge.
//
// As in package ratelimit, the transitions are pure functions over persisted
// state. Backends persist State and TokenRecord and either run these
// functions themselves or mirror them server side.
package challenge

import "time"

// Policy configures the difficulty state machine of one family.
type Policy struct {
	MaxLevel int
	Window   time.Duration // successes closer than this escalate
	Reset    time.Duration // successes further apart than this reset to 0
	Block    time.Duration // issuance block once MaxLevel is reached
}

func (p Policy) WindowSeconds() int64 { return int64(p.Window / time.Second) }
func (p Policy) ResetSeconds() int64  { return int64(p.Reset / time.Second) }
func (p Policy) BlockSeconds() int64  { return int64(p.Block / time.Second) }

// State is the persisted difficulty of one subject within one family.
// Times are unix seconds; BlockUntil is zero when unset.
type State struct {
	Level         int
	LastSuccessAt int64
	BlockUntil    int64
}

// Status is the read-side view used when issuing a challenge.
type Status struct {
	Level      int
	Difficulty int
	Blocked    bool
	RetryAfter int64
}

// Advance records one verified success at now.
//
// A success less than Window after the previous one raises the level, one
// within Reset lowers it (never below 0) and anything later resets it.
// Reaching MaxLevel starts a block of Block seconds. While blocked the state
// does not move, and once the block has expired the subject starts over.
func Advance(prev *State, p Policy, now int64) State {
	if prev == nil {
		return State{Level: 0, LastSuccessAt: now}
	}
	if prev.BlockUntil > now {
		return *prev
	}
	if prev.BlockUntil != 0 {
		return State{Level: 0, LastSuccessAt: now}
	}

	elapsed := now - prev.LastSuccessAt
	level := prev.Level
	switch {
	case elapsed < p.WindowSeconds():
		level++
	case elapsed < p.ResetSeconds():
		level--
		if level < 0 {
			level = 0
		}
	default:
		level = 0
	}
	if level > p.MaxLevel {
		level = p.MaxLevel
	}

	next := State{Level: level, LastSuccessAt: now}
	if level >= p.MaxLevel && p.BlockSeconds() > 0 {
		next.BlockUntil = now + p.BlockSeconds()
	}
	return next
}

// Current reads the effective level of st at now without mutating it. A
// level whose last success is older than Reset has decayed to 0.
func Current(st *State, p Policy, now int64) (level int, blocked bool, retryAfter int64) {
	if st == nil {
		return 0, false, 0
	}
	if st.BlockUntil > now {
		return st.Level, true, st.BlockUntil - now
	}
	if st.BlockUntil != 0 || now-st.LastSuccessAt >= p.ResetSeconds() {
		return 0, false, 0
	}
	return st.Level, false, 0
}
