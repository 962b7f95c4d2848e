// Package admission composes identity, rate limits, the filesize cache and
// challenge admission into one decision per request.
//
// Decisions follow a fixed priority: blocked for abuse, then rate limited,
// then an invalid or missing challenge token, then allowed. A backend
// failure is handled as a whole under the configured policy; no single
// check is ever skipped on its own.
package admission

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dlgate/internal/backend"
	"dlgate/internal/cache"
	"dlgate/internal/challenge"
	"dlgate/internal/identity"
	"dlgate/internal/models"
	"dlgate/internal/ratelimit"
	"dlgate/internal/stats"
	"dlgate/internal/tasks"
	"dlgate/internal/version"
)

// Submitter queues background work without blocking the request.
type Submitter interface {
	Submit(ctx context.Context, name string, fn tasks.Func) bool
}

// CleanupTrigger is polled once per completed check.
type CleanupTrigger interface {
	MaybeTrigger(ctx context.Context, now int64) bool
}

// DecisionRecorder counts decisions, typically into metrics.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, code string, allowed, degraded bool)
}

// Decision is the outcome of a check: the response body plus what the HTTP
// layer needs to serve it.
type Decision struct {
	Response   *models.CheckResponse
	StatusCode int
	Limit      ratelimit.Result
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithStats(sink stats.Sink) Option {
	return func(s *Service) { s.stats = sink }
}

func WithCleanup(trigger CleanupTrigger) Option {
	return func(s *Service) { s.cleanup = trigger }
}

func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

type Service struct {
	backend     backend.Backend
	ids         *identity.Normalizer
	exec        Submitter
	subnet      *ratelimit.Engine
	resource    *ratelimit.Engine // nil when the per-resource limit is off
	puzzle      *challenge.Family
	ticket      *challenge.Family
	interactive *challenge.Interactive
	cache       *cache.Cache

	failOpen    bool
	required    bool
	maxUses     int
	callTimeout time.Duration

	clock     func() time.Time
	stats     stats.Sink
	cleanup   CleanupTrigger
	recorder  DecisionRecorder
	startedAt time.Time
}

// NewService wires the admission components over b. cfg must have passed
// Validate.
func NewService(cfg *models.Config, b backend.Backend, ids *identity.Normalizer, exec Submitter, opts ...Option) (*Service, error) {
	subnet, err := ratelimit.NewEngine("subnet", ruleFrom(cfg.Admission.RateLimit), b)
	if err != nil {
		return nil, fmt.Errorf("failed to create subnet limiter: %w", err)
	}
	var resource *ratelimit.Engine
	if cfg.Admission.ResourceLimit.Enabled {
		resource, err = ratelimit.NewEngine("resource", ruleFrom(cfg.Admission.ResourceLimit), b)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource limiter: %w", err)
		}
	}

	bindingKey, err := identity.DeriveKey(cfg.Security.Secret, identity.PurposeBinding)
	if err != nil {
		return nil, err
	}
	interactiveKey, err := identity.DeriveKey(cfg.Security.Secret, identity.PurposeInteractive)
	if err != nil {
		return nil, err
	}
	binder := challenge.NewBinder(bindingKey, cfg.Challenge.TokenTTL)

	s := &Service{
		backend:     b,
		ids:         ids,
		exec:        exec,
		subnet:      subnet,
		resource:    resource,
		puzzle:      challenge.NewPuzzleFamily(cfg.Challenge.Puzzle, binder, b),
		ticket:      challenge.NewTicketFamily(cfg.Challenge.Ticket, binder, b),
		interactive: challenge.NewInteractive(interactiveKey, cfg.Challenge.Interactive.NonceTTL),
		cache:       cache.New(b, cfg.Cache.TTL),
		failOpen:    cfg.Admission.FailPolicy == models.FailOpen,
		required:    cfg.Challenge.Required,
		maxUses:     cfg.Challenge.MaxUses,
		callTimeout: cfg.Backend.CallTimeout,
		clock:       time.Now,
		stats:       stats.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.clock()
	return s, nil
}

func ruleFrom(c models.RateLimitConfig) ratelimit.Rule {
	return ratelimit.Rule{Limit: c.Limit, Window: c.Window, Block: c.Block}
}

// Check decides whether the client at clientAddr may fetch req.Resource.
// Denials are decisions, not errors; an error is returned only for invalid
// input or, under the fail-closed policy, a backend failure.
func (s *Service) Check(ctx context.Context, clientAddr string, req *models.CheckRequest) (*Decision, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, NewInvalidRequestError(err.Error(), err)
	}
	subject, err := s.ids.Subject(clientAddr)
	if err != nil {
		return nil, NewInvalidRequestError("invalid client address", err)
	}

	at := s.clock()
	now := at.Unix()
	resourceHash := s.ids.ResourceKey(req.Resource)

	token, solved, proofErr := s.parseProof(req, subject.Hash, resourceHash)
	if proofErr != nil {
		slog.Debug("Rejected malformed proof", "subnet", subject.Prefix.String(), "kind", req.ProofKind, "error", proofErr)
	}
	op := s.admitOp(subject.Hash, resourceHash, token, now)

	res, err := s.admit(ctx, op)
	var d *Decision
	if err == nil {
		d, err = s.decide(op, res, subject.Hash, req, proofErr, at)
	}
	if err != nil {
		d, err = s.degrade(err, req, proofErr, at)
		if err != nil {
			s.observe(ctx, models.CodeServiceUnavailable, false, false, at)
			return nil, err
		}
		s.observe(ctx, d.Response.Code, d.Response.Allowed, true, at)
		return d, nil
	}

	if d.Response.Allowed && d.Response.Filesize == nil {
		d.Response.ResourceHash = resourceHash
	}
	// Difficulty advances once per solved challenge, not once per use.
	if d.Response.Allowed && solved != nil && res.Token != nil && res.Token.UseCount == 1 {
		s.recordSuccess(ctx, solved, subject.Hash, now)
	}
	s.observe(ctx, d.Response.Code, d.Response.Allowed, false, at)
	if s.cleanup != nil {
		s.cleanup.MaybeTrigger(ctx, now)
	}
	return d, nil
}

// parseProof verifies the proof locally and turns it into a ledger use.
// solved is the family whose difficulty advances once the token is
// accepted; it is nil for interactive proofs.
func (s *Service) parseProof(req *models.CheckRequest, subjectHash, resourceHash string) (*challenge.TokenUse, *challenge.Family, error) {
	if req.Proof == "" {
		return nil, nil, nil
	}

	use := &challenge.TokenUse{Subject: subjectHash, Resource: resourceHash}
	switch req.ProofKind {
	case models.ProofInteractive:
		cookie, nonce, ok := strings.Cut(req.Proof, "~")
		if !ok {
			return nil, nil, fmt.Errorf("%w: interactive proof has no nonce", challenge.ErrValidation)
		}
		claims, err := s.interactive.Verify(cookie, nonce)
		if err != nil {
			return nil, nil, err
		}
		use.Hash = s.ids.TokenKey(challenge.FamilyInteractive + ":" + claims.Nonce)
		use.BoundSubject = claims.Scope
		use.BoundResource = claims.Resource
		use.MaxUses = 1
		use.ExpiresAt = claims.ExpiresAt(s.interactive.TTL())
		return use, nil, nil

	default:
		f := s.family(req.ProofKind)
		if f == nil {
			return nil, nil, fmt.Errorf("%w: unknown proof kind %q", challenge.ErrValidation, req.ProofKind)
		}
		_, claims, err := f.VerifyProof(req.Proof)
		if err != nil {
			return nil, nil, err
		}
		use.Hash = s.ids.TokenKey(f.Name() + ":" + claims.Nonce)
		use.BoundSubject = claims.Scope
		use.BoundResource = claims.Resource
		use.MaxUses = s.maxUses
		use.ExpiresAt = claims.ExpiresAt(f.TTL())
		return use, f, nil
	}
}

func (s *Service) admitOp(subjectHash, resourceHash string, token *challenge.TokenUse, now int64) *backend.AdmitOp {
	op := &backend.AdmitOp{
		Now:            now,
		Limits:         []backend.LimitCheck{{Key: subjectHash, Rule: s.subnet.Rule()}},
		CacheKey:       resourceHash,
		CacheTTL:       s.cache.TTL(),
		DifficultyKeys: []string{s.puzzle.Key(subjectHash), s.ticket.Key(subjectHash)},
		Token:          token,
	}
	if s.resource != nil {
		op.Limits = append(op.Limits, backend.LimitCheck{
			Key:  s.ids.PairKey(subjectHash, resourceHash),
			Rule: s.resource.Rule(),
		})
	}
	return op
}

// admit runs op in one backend operation when the adapter batches, and as
// sequential primitive calls otherwise.
func (s *Service) admit(ctx context.Context, op *backend.AdmitOp) (*backend.AdmitResult, error) {
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	if s.backend.Batches() {
		return s.backend.Admit(ctx, op)
	}
	return s.admitSequential(ctx, op)
}

// limiters returns the engines in the order admitOp lists their limits.
func (s *Service) limiters() []*ratelimit.Engine {
	if s.resource != nil {
		return []*ratelimit.Engine{s.subnet, s.resource}
	}
	return []*ratelimit.Engine{s.subnet}
}

// admitSequential performs the same steps as Backend.Admit through the
// limiter engines, the cache and the granular backend methods, including
// the conditional token redemption.
func (s *Service) admitSequential(ctx context.Context, op *backend.AdmitOp) (*backend.AdmitResult, error) {
	engines := s.limiters()
	if len(engines) != len(op.Limits) {
		return nil, fmt.Errorf("%w: %d limits for %d limiters", backend.ErrInconsistent, len(op.Limits), len(engines))
	}
	res := &backend.AdmitResult{Limits: make([]ratelimit.Record, 0, len(op.Limits))}
	for i, l := range op.Limits {
		rec, err := engines[i].Count(ctx, l.Key, op.Now)
		if err != nil {
			return nil, err
		}
		res.Limits = append(res.Limits, rec)
	}

	if op.CacheKey != "" {
		v, ok, err := s.cache.Get(ctx, op.CacheKey, op.Now)
		if err != nil {
			return nil, err
		}
		res.CacheValue, res.CacheFound = v, ok
	}

	b := s.backend
	diff, err := b.Difficulty(ctx, op.DifficultyKeys)
	if err != nil {
		return nil, err
	}
	res.Difficulty = diff

	if op.Token != nil && backend.TokenPermitted(op.Now, res.Limits, res.Difficulty) {
		out, err := b.RedeemToken(ctx, *op.Token, op.Now)
		if err != nil {
			return nil, err
		}
		res.Token = &out
	}
	return res, nil
}

// decide applies the priority order to applied backend state.
func (s *Service) decide(op *backend.AdmitOp, res *backend.AdmitResult, subjectHash string, req *models.CheckRequest, proofErr error, at time.Time) (*Decision, error) {
	now := at.Unix()
	if len(res.Limits) != len(op.Limits) {
		return nil, fmt.Errorf("%w: %d limit records for %d limits", backend.ErrInconsistent, len(res.Limits), len(op.Limits))
	}

	var blockedFor int64
	difficulty := make(map[string]int, 2)
	for _, f := range []*challenge.Family{s.puzzle, s.ticket} {
		var st *challenge.State
		if v, ok := res.Difficulty[f.Key(subjectHash)]; ok {
			st = &v
		}
		status := f.Status(st, now)
		difficulty[f.Name()] = status.Difficulty
		if status.Blocked && status.RetryAfter > blockedFor {
			blockedFor = status.RetryAfter
		}
	}

	results := []ratelimit.Result{s.subnet.Evaluate(res.Limits[0], now)}
	if s.resource != nil {
		results = append(results, s.resource.Evaluate(res.Limits[1], now))
	}
	limit := ratelimit.Combine(results...)

	resp := &models.CheckResponse{Timestamp: at, Count: limit.Count}
	d := &Decision{Response: resp, Limit: limit}
	deny := func(code, message string, retryAfter int64) (*Decision, error) {
		resp.Code = code
		resp.Message = message
		resp.RetryAfter = retryAfter
		d.StatusCode = StatusFor(code)
		return d, nil
	}

	switch {
	case blockedFor > 0:
		return deny(models.CodeAbuseBlocked, "too many challenges solved, try again later", blockedFor)
	case !limit.Allowed:
		return deny(models.CodeRateLimited, "rate limit exceeded", limit.RetryAfter)
	case proofErr != nil:
		resp.Difficulty = difficulty
		return deny(models.CodeTokenMalformed, "challenge proof is malformed", 0)
	case op.Token != nil:
		if res.Token == nil {
			return nil, fmt.Errorf("%w: token not redeemed for a permitted request", backend.ErrInconsistent)
		}
		if !res.Token.Accepted {
			resp.Difficulty = difficulty
			return deny(res.Token.Code, "challenge token rejected", 0)
		}
	case s.required && req.Proof == "":
		resp.Difficulty = difficulty
		return deny(models.CodeChallengeRequired, "a solved challenge is required", 0)
	}

	resp.Allowed = true
	resp.Code = models.CodeAllowed
	if res.CacheFound {
		v := res.CacheValue
		resp.Filesize = &v
	}
	d.StatusCode = StatusFor(models.CodeAllowed)
	return d, nil
}

// degrade applies the failure policy to a backend error. Checks that need
// no backend still deny under fail-open.
func (s *Service) degrade(err error, req *models.CheckRequest, proofErr error, at time.Time) (*Decision, error) {
	if !s.failOpen {
		slog.Error("Admission backend failed", "backend", s.backend.Name(), "error", err)
		return nil, NewUnavailableError(err)
	}
	slog.Warn("Admission backend failed, admitting under fail-open policy", "backend", s.backend.Name(), "error", err)

	resp := &models.CheckResponse{Timestamp: at, Degraded: true}
	d := &Decision{Response: resp, Limit: ratelimit.Result{Allowed: true}}
	switch {
	case proofErr != nil:
		resp.Code = models.CodeTokenMalformed
		resp.Message = "challenge proof is malformed"
	case s.required && req.Proof == "":
		resp.Code = models.CodeChallengeRequired
		resp.Message = "a solved challenge is required"
		resp.Difficulty = map[string]int{
			s.puzzle.Name(): s.puzzle.Status(nil, at.Unix()).Difficulty,
			s.ticket.Name(): s.ticket.Status(nil, at.Unix()).Difficulty,
		}
	default:
		resp.Allowed = true
		resp.Code = models.CodeAllowed
	}
	d.StatusCode = StatusFor(resp.Code)
	return d, nil
}

func (s *Service) recordSuccess(ctx context.Context, f *challenge.Family, subjectHash string, now int64) {
	s.exec.Submit(ctx, "record-success", func(ctx context.Context) error {
		_, err := f.RecordSuccess(ctx, subjectHash, now)
		return err
	})
}

func (s *Service) observe(ctx context.Context, code string, allowed, degraded bool, at time.Time) {
	if s.recorder != nil {
		s.recorder.RecordDecision(ctx, code, allowed, degraded)
	}
	if _, nop := s.stats.(stats.Nop); nop {
		return
	}
	ev := stats.Event{Code: code, Allowed: allowed, Degraded: degraded, At: at}
	s.exec.Submit(ctx, "stats", func(ctx context.Context) error {
		return s.stats.Record(ctx, ev)
	})
}

func (s *Service) family(name string) *challenge.Family {
	switch name {
	case challenge.FamilyPuzzle:
		return s.puzzle
	case challenge.FamilyTicket:
		return s.ticket
	}
	return nil
}

// IssueChallenge binds a new puzzle or ticket challenge for the client and
// resource at the client's current difficulty.
func (s *Service) IssueChallenge(ctx context.Context, clientAddr, familyName, resource string) (*models.ChallengeResponse, error) {
	f := s.family(familyName)
	if f == nil {
		return nil, NewNotFoundError(fmt.Sprintf("unknown challenge family '%s'", familyName))
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, NewInvalidRequestError("resource is required", nil)
	}
	subject, err := s.ids.Subject(clientAddr)
	if err != nil {
		return nil, NewInvalidRequestError("invalid client address", err)
	}

	now := s.clock().Unix()
	resourceHash := s.ids.ResourceKey(resource)

	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	issued, status, err := f.Issue(ctx, resourceHash, subject.Hash, now)
	switch {
	case err != nil && !s.failOpen:
		slog.Error("Challenge issuance failed", "family", f.Name(), "backend", s.backend.Name(), "error", err)
		return nil, NewUnavailableError(err)
	case err != nil:
		slog.Warn("Challenge issuance degraded to base difficulty", "family", f.Name(), "backend", s.backend.Name(), "error", err)
		issued = f.Bind(resourceHash, subject.Hash, f.Status(nil, now), now)
	case status.Blocked:
		return nil, NewBlockedError(status.RetryAfter)
	}

	return &models.ChallengeResponse{
		Family:     f.Name(),
		Binding:    issued.Binding,
		Level:      issued.Level,
		Difficulty: issued.Difficulty,
		ExpiresAt:  time.Unix(issued.ExpiresAt, 0).UTC(),
	}, nil
}

// RenderInteractive mints the cookie and page nonce of an interactive
// challenge. It needs no store round trip.
func (s *Service) RenderInteractive(clientAddr, resource string) (string, *models.InteractiveRenderResponse, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", nil, NewInvalidRequestError("resource is required", nil)
	}
	subject, err := s.ids.Subject(clientAddr)
	if err != nil {
		return "", nil, NewInvalidRequestError("invalid client address", err)
	}

	cookie, claims := s.interactive.Render(s.ids.ResourceKey(resource), subject.Hash, s.clock().Unix())
	return cookie, &models.InteractiveRenderResponse{
		Nonce:     claims.Nonce,
		ExpiresAt: time.Unix(claims.ExpiresAt(s.interactive.TTL()), 0).UTC(),
	}, nil
}

// VerifyInteractive admits the request that completes an interactive
// challenge. The cookie and nonce are checked like any other proof.
func (s *Service) VerifyInteractive(ctx context.Context, clientAddr, cookie string, req *models.InteractiveVerifyRequest) (*Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, NewInvalidRequestError(err.Error(), err)
	}
	return s.Check(ctx, clientAddr, &models.CheckRequest{
		Resource:  req.Resource,
		ProofKind: models.ProofInteractive,
		Proof:     cookie + "~" + req.Nonce,
	})
}

// PutCache stores a resolved filesize in the background. resourceHash is
// the key handed out on a cache miss.
func (s *Service) PutCache(ctx context.Context, resourceHash string, req *models.CachePutRequest) (*models.CachePutResponse, error) {
	if !isResourceHash(resourceHash) {
		return nil, NewInvalidRequestError("resource hash must be 64 lowercase hex characters", nil)
	}
	if err := req.Validate(); err != nil {
		return nil, NewInvalidRequestError(err.Error(), err)
	}

	now := s.clock().Unix()
	value := req.Value
	queued := s.exec.Submit(ctx, "cache-put", func(ctx context.Context) error {
		s.cache.Put(ctx, resourceHash, value, now)
		return nil
	})
	return &models.CachePutResponse{ResourceHash: resourceHash, Accepted: queued}, nil
}

func isResourceHash(h string) bool {
	if len(h) != 64 || strings.ToLower(h) != h {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// Health pings the backend. Under fail-open an unreachable backend only
// degrades the service.
func (s *Service) Health(ctx context.Context) *models.HealthCheckResponse {
	resp := models.NewHealthCheckResponse(models.StatusHealthy)
	resp.Version = version.GetInfo().Version
	resp.Uptime = s.clock().Sub(s.startedAt).Round(time.Second).String()

	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	if err := s.backend.Ping(ctx); err != nil {
		status := models.StatusUnhealthy
		if s.failOpen {
			status = models.StatusDegraded
		}
		resp.Status = status
		resp.AddComponent("backend", status, errorMessage(err))
		return resp
	}
	resp.AddComponent("backend", models.StatusHealthy, s.backend.Name()+" reachable")
	return resp
}

// errorMessage keeps error kinds readable without leaking DSNs or
// endpoints into public health output.
func errorMessage(err error) string {
	switch {
	case backend.IsDeadline(err):
		return "backend timed out"
	case errors.Is(err, backend.ErrConfiguration):
		return backend.ErrConfiguration.Error()
	default:
		return backend.ErrUnavailable.Error()
	}
}
