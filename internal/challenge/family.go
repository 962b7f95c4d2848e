package challenge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dlgate/internal/models"
)

// Family names.
const (
	FamilyPuzzle = "puzzle"
	FamilyTicket = "ticket"
)

// proofSeparator joins a binding and its solution. It is outside the
// base64url alphabet and distinct from the binding's own separator.
const proofSeparator = "~"

// Store persists difficulty state. Backend adapters implement it.
type Store interface {
	Difficulty(ctx context.Context, keys []string) (map[string]State, error)
	RecordSuccess(ctx context.Context, key string, p Policy, now int64) (State, error)
}

// Issued is a challenge handed to a client.
type Issued struct {
	Binding    string
	Level      int
	Difficulty int
	ExpiresAt  int64
}

// Family is one challenge family: its difficulty policy and curve, the
// binder sealing its challenges and the verifier for its solutions.
type Family struct {
	name   string
	policy Policy
	curve  Curve
	work   Work
	binder *Binder
	store  Store
}

func NewFamily(name string, policy Policy, curve Curve, work Work, binder *Binder, store Store) *Family {
	return &Family{name: name, policy: policy, curve: curve, work: work, binder: binder, store: store}
}

// NewPuzzleFamily builds the client-side puzzle family from configuration.
func NewPuzzleFamily(cfg models.PuzzleConfig, binder *Binder, store Store) *Family {
	return NewFamily(FamilyPuzzle, policyFrom(cfg.DifficultyWindows),
		Exponential{Base: cfg.Base, MaxLevel: cfg.MaxLevel}, PuzzleWork, binder, store)
}

// NewTicketFamily builds the server-verified proof-of-work family.
func NewTicketFamily(cfg models.TicketConfig, binder *Binder, store Store) *Family {
	return NewFamily(FamilyTicket, policyFrom(cfg.DifficultyWindows),
		Linear{Min: cfg.BaseMin, Step: cfg.Step, Max: cfg.BaseMax}, TicketWork, binder, store)
}

func policyFrom(w models.DifficultyWindows) Policy {
	return Policy{MaxLevel: w.MaxLevel, Window: w.Window, Reset: w.Reset, Block: w.Block}
}

func (f *Family) Name() string       { return f.name }
func (f *Family) Policy() Policy     { return f.policy }
func (f *Family) TTL() time.Duration { return f.binder.TTL() }

// Key is the difficulty state key of subjectHash within this family.
func (f *Family) Key(subjectHash string) string {
	return f.name + ":" + subjectHash
}

// Status maps a stored state to the issuing view at now.
func (f *Family) Status(st *State, now int64) Status {
	level, blocked, retry := Current(st, f.policy, now)
	return Status{
		Level:      level,
		Difficulty: f.curve.Difficulty(level),
		Blocked:    blocked,
		RetryAfter: retry,
	}
}

// CurrentDifficulty reads the subject's state and reports its difficulty.
func (f *Family) CurrentDifficulty(ctx context.Context, subjectHash string, now int64) (Status, error) {
	key := f.Key(subjectHash)
	states, err := f.store.Difficulty(ctx, []string{key})
	if err != nil {
		return Status{}, fmt.Errorf("failed to read %s difficulty: %w", f.name, err)
	}
	var st *State
	if s, ok := states[key]; ok {
		st = &s
	}
	return f.Status(st, now), nil
}

// Issue binds a new challenge for resourceHash and subjectHash at the
// subject's current level. A blocked subject gets no challenge; the status
// says for how long.
func (f *Family) Issue(ctx context.Context, resourceHash, subjectHash string, now int64) (Issued, Status, error) {
	status, err := f.CurrentDifficulty(ctx, subjectHash, now)
	if err != nil {
		return Issued{}, Status{}, err
	}
	if status.Blocked {
		return Issued{}, status, nil
	}
	return f.Bind(resourceHash, subjectHash, status, now), status, nil
}

// Bind seals a challenge at an already known status without touching the
// store.
func (f *Family) Bind(resourceHash, subjectHash string, status Status, now int64) Issued {
	binding, claims := f.binder.Bind(f.name, resourceHash, subjectHash, status.Level, now)
	return Issued{
		Binding:    binding,
		Level:      status.Level,
		Difficulty: status.Difficulty,
		ExpiresAt:  claims.ExpiresAt(f.binder.TTL()),
	}
}

// VerifyProof checks a "binding~solution" proof: the binding must be
// authentic and issued by this family, and the solution must meet the
// difficulty of the level bound at issuance. It returns the binding and its
// claims; ledger checks are the caller's concern.
func (f *Family) VerifyProof(proof string) (string, Claims, error) {
	binding, solution, ok := strings.Cut(proof, proofSeparator)
	if !ok {
		return "", Claims{}, fmt.Errorf("%w: proof has no solution", ErrValidation)
	}
	claims, err := f.binder.Open(binding)
	if err != nil {
		return "", Claims{}, err
	}
	if claims.Family != f.name {
		return "", Claims{}, fmt.Errorf("%w: binding issued for %s", ErrValidation, claims.Family)
	}
	if !f.work.Verify(binding, solution, f.curve.Difficulty(claims.Level)) {
		return "", Claims{}, fmt.Errorf("%w: %s solution rejected", ErrValidation, f.name)
	}
	return binding, claims, nil
}

// RecordSuccess advances the subject's difficulty after a verified proof.
func (f *Family) RecordSuccess(ctx context.Context, subjectHash string, now int64) (State, error) {
	st, err := f.store.RecordSuccess(ctx, f.Key(subjectHash), f.policy, now)
	if err != nil {
		return State{}, fmt.Errorf("failed to record %s success: %w", f.name, err)
	}
	return st, nil
}

// Solve produces a valid proof for an issued binding. Clients normally do
// this; the service uses it only in self-checks and tests.
func (f *Family) Solve(binding string, difficulty int) string {
	return binding + proofSeparator + f.work.Solve(binding, difficulty)
}
