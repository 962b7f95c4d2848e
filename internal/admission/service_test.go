package admission

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"dlgate/internal/backend"
	"dlgate/internal/challenge"
	"dlgate/internal/identity"
	"dlgate/internal/models"
	"dlgate/internal/ratelimit"
	"dlgate/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	t0         = int64(1_700_000_000)
	clientA    = "203.0.113.7"
	clientA2   = "203.0.113.200" // same /24 as clientA
	clientB    = "198.51.100.7"
	testSecret = "0123456789abcdef-test-secret"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Unix(t0, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(unix int64) {
	c.mu.Lock()
	c.now = time.Unix(unix, 0)
	c.mu.Unlock()
}

// inlineExec runs background tasks synchronously so their effects are
// visible to the next assertion.
type inlineExec struct {
	mu    sync.Mutex
	names []string
}

func (e *inlineExec) Submit(ctx context.Context, name string, fn tasks.Func) bool {
	e.mu.Lock()
	e.names = append(e.names, name)
	e.mu.Unlock()
	_ = fn(ctx)
	return true
}

func (e *inlineExec) submitted(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, v := range e.names {
		if v == name {
			n++
		}
	}
	return n
}

// sequential hides the combined operation so the granular path runs.
type sequential struct{ backend.Backend }

func (sequential) Batches() bool { return false }

type harness struct {
	svc   *Service
	clock *testClock
	exec  *inlineExec
	store backend.Backend
}

func testConfig() *models.Config {
	cfg := models.NewDefaultConfig()
	cfg.Security.Secret = testSecret
	cfg.Admission.RateLimit = models.RateLimitConfig{Enabled: true, Limit: 100, Window: time.Minute}
	cfg.Admission.ResourceLimit = models.RateLimitConfig{Enabled: false}
	cfg.Challenge.Ticket.BaseMin = 4
	cfg.Challenge.Ticket.BaseMax = 8
	cfg.Challenge.Ticket.Step = 1
	return cfg
}

func newHarness(t *testing.T, cfg *models.Config, wrap func(backend.Backend) backend.Backend, opts ...Option) *harness {
	t.Helper()
	b, err := backend.NewSQLiteBackend(models.SQLiteConfig{Path: t.TempDir() + "/admission.db"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	require.NoError(t, backend.Prepare(context.Background(), b, true))

	var store backend.Backend = b
	if wrap != nil {
		store = wrap(b)
	}
	ids, err := identity.NewNormalizer(cfg.Security.Secret, cfg.Security.IPv4Prefix, cfg.Security.IPv6Prefix)
	require.NoError(t, err)

	h := &harness{clock: newTestClock(), exec: &inlineExec{}, store: store}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.svc, err = NewService(cfg, store, ids, h.exec, opts...)
	require.NoError(t, err)
	return h
}

// modes runs fn against the combined and the sequential path.
func modes(t *testing.T, fn func(t *testing.T, wrap func(backend.Backend) backend.Backend)) {
	t.Run("combined", func(t *testing.T) { fn(t, nil) })
	t.Run("sequential", func(t *testing.T) {
		fn(t, func(b backend.Backend) backend.Backend { return sequential{b} })
	})
}

func (h *harness) check(t *testing.T, addr, resource, kind, proof string) *Decision {
	t.Helper()
	d, err := h.svc.Check(context.Background(), addr, &models.CheckRequest{Resource: resource, ProofKind: kind, Proof: proof})
	require.NoError(t, err)
	return d
}

// solve issues a challenge of family for addr and resource and solves it.
func (h *harness) solve(t *testing.T, family, addr, resource string) string {
	t.Helper()
	ch, err := h.svc.IssueChallenge(context.Background(), addr, family, resource)
	require.NoError(t, err)
	return h.svc.family(family).Solve(ch.Binding, ch.Difficulty)
}

func TestCheck_AllowedAndCache(t *testing.T) {
	modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
		h := newHarness(t, testConfig(), wrap)

		d := h.check(t, clientA, "/files/a.iso", "", "")
		assert.True(t, d.Response.Allowed)
		assert.Equal(t, models.CodeAllowed, d.Response.Code)
		assert.Equal(t, http.StatusOK, d.StatusCode)
		assert.Equal(t, 1, d.Response.Count)
		assert.Nil(t, d.Response.Filesize)
		require.Len(t, d.Response.ResourceHash, 64)

		put, err := h.svc.PutCache(context.Background(), d.Response.ResourceHash, &models.CachePutRequest{Value: 4096})
		require.NoError(t, err)
		assert.True(t, put.Accepted)

		d = h.check(t, clientA, "/files/a.iso", "", "")
		require.NotNil(t, d.Response.Filesize)
		assert.Equal(t, int64(4096), *d.Response.Filesize)
		assert.Empty(t, d.Response.ResourceHash)

		h.clock.Set(t0 + int64(time.Hour/time.Second) + 1)
		d = h.check(t, clientA, "/files/a.iso", "", "")
		assert.Nil(t, d.Response.Filesize, "stale entry reads as absent")
	})
}

func TestCheck_RateLimitScenario(t *testing.T) {
	modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
		cfg := testConfig()
		cfg.Admission.RateLimit = models.RateLimitConfig{Enabled: true, Limit: 3, Window: time.Minute}
		h := newHarness(t, cfg, wrap)

		for i, at := range []int64{0, 1, 2} {
			h.clock.Set(t0 + at)
			d := h.check(t, clientA, "/f", "", "")
			require.True(t, d.Response.Allowed, "request at t=%d", at)
			assert.Equal(t, i+1, d.Response.Count)
		}

		h.clock.Set(t0 + 3)
		d := h.check(t, clientA2, "/f", "", "")
		assert.False(t, d.Response.Allowed, "same subnet shares the limit")
		assert.Equal(t, models.CodeRateLimited, d.Response.Code)
		assert.Equal(t, int64(57), d.Response.RetryAfter)
		assert.Equal(t, http.StatusTooManyRequests, d.StatusCode)
		assert.False(t, d.Limit.Allowed)

		assert.True(t, h.check(t, clientB, "/f", "", "").Response.Allowed, "other subnet unaffected")

		h.clock.Set(t0 + 61)
		d = h.check(t, clientA, "/f", "", "")
		assert.True(t, d.Response.Allowed)
		assert.Equal(t, 1, d.Response.Count)
	})
}

func TestCheck_CombinedLimitsReportLongestRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.RateLimit = models.RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute}
	cfg.Admission.ResourceLimit = models.RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute, Block: 5 * time.Minute}

	modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
		h := newHarness(t, cfg, wrap)

		require.True(t, h.check(t, clientA, "/f", "", "").Response.Allowed)

		h.clock.Set(t0 + 10)
		d := h.check(t, clientA, "/f", "", "")
		assert.Equal(t, models.CodeRateLimited, d.Response.Code)
		assert.Equal(t, int64(300), d.Response.RetryAfter)
	})
}

func TestCheck_ResourceLimitIsPerResource(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.ResourceLimit = models.RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute}
	h := newHarness(t, cfg, nil)

	assert.True(t, h.check(t, clientA, "/a", "", "").Response.Allowed)
	assert.False(t, h.check(t, clientA, "/a", "", "").Response.Allowed)
	assert.True(t, h.check(t, clientA, "/b", "", "").Response.Allowed)
}

func TestCheck_ChallengeRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Challenge.Required = true
	h := newHarness(t, cfg, nil)

	d := h.check(t, clientA, "/f", "", "")
	assert.False(t, d.Response.Allowed)
	assert.Equal(t, models.CodeChallengeRequired, d.Response.Code)
	assert.Equal(t, http.StatusForbidden, d.StatusCode)
	assert.Equal(t, map[string]int{"puzzle": 50, "ticket": 4}, d.Response.Difficulty)
}

func TestCheck_TokenLifecycle(t *testing.T) {
	for _, family := range []string{challenge.FamilyPuzzle, challenge.FamilyTicket} {
		t.Run(family, func(t *testing.T) {
			modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
				cfg := testConfig()
				cfg.Challenge.Required = true
				h := newHarness(t, cfg, wrap)

				proof := h.solve(t, family, clientA, "/f")

				d := h.check(t, clientA2, "/f", family, proof)
				assert.True(t, d.Response.Allowed)
				assert.Equal(t, 1, h.exec.submitted("record-success"))

				d = h.check(t, clientA, "/f", family, proof)
				assert.Equal(t, models.CodeTokenReplayed, d.Response.Code)
				assert.Equal(t, http.StatusForbidden, d.StatusCode)
				assert.NotEmpty(t, d.Response.Difficulty)
				assert.Equal(t, 1, h.exec.submitted("record-success"))
			})
		})
	}
}

func TestCheck_ReusableTokenRecordsSuccessOnce(t *testing.T) {
	modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
		cfg := testConfig()
		cfg.Challenge.Required = true
		cfg.Challenge.MaxUses = 2
		h := newHarness(t, cfg, wrap)

		proof := h.solve(t, challenge.FamilyTicket, clientA, "/f")

		assert.True(t, h.check(t, clientA, "/f", challenge.FamilyTicket, proof).Response.Allowed)
		h.clock.Set(t0 + 1)
		assert.True(t, h.check(t, clientA, "/f", challenge.FamilyTicket, proof).Response.Allowed)
		assert.Equal(t, 1, h.exec.submitted("record-success"))

		h.clock.Set(t0 + 2)
		d := h.check(t, clientA, "/f", challenge.FamilyTicket, proof)
		assert.Equal(t, models.CodeTokenReplayed, d.Response.Code)

		ch, err := h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyTicket, "/f")
		require.NoError(t, err)
		assert.Equal(t, 0, ch.Level, "a second use must not escalate difficulty")
	})
}

func TestCheck_TokenCodes(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, nil)

	tests := []struct {
		name     string
		addr     string
		resource string
		at       int64
		want     string
	}{
		{"other subnet", clientB, "/f", t0, models.CodeTokenSubjectMismatch},
		{"expired", clientA, "/f", t0 + int64(cfg.Challenge.TokenTTL/time.Second), models.CodeTokenExpired},
		{"other resource", clientA, "/g", t0, models.CodeTokenResourceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.clock.Set(t0)
			proof := h.solve(t, challenge.FamilyTicket, clientA, "/f")

			h.clock.Set(tt.at)
			d := h.check(t, tt.addr, tt.resource, challenge.FamilyTicket, proof)
			assert.False(t, d.Response.Allowed)
			assert.Equal(t, tt.want, d.Response.Code)
		})
	}
}

func TestCheck_MalformedProof(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ticket := h.solve(t, challenge.FamilyTicket, clientA, "/f")
	puzzle := h.solve(t, challenge.FamilyPuzzle, clientA, "/f")

	// puzzle solutions are exact digests, so any changed digit fails
	last := "0"
	if puzzle[len(puzzle)-1] == '0' {
		last = "1"
	}
	wrongSolution := puzzle[:len(puzzle)-1] + last

	for name, p := range map[string]struct{ kind, proof string }{
		"garbage":        {challenge.FamilyTicket, "not-a-proof"},
		"wrong family":   {challenge.FamilyPuzzle, ticket},
		"no separator":   {models.ProofInteractive, "cookie-only"},
		"wrong solution": {challenge.FamilyPuzzle, wrongSolution},
	} {
		t.Run(name, func(t *testing.T) {
			d := h.check(t, clientA, "/f", p.kind, p.proof)
			assert.False(t, d.Response.Allowed)
			assert.Equal(t, models.CodeTokenMalformed, d.Response.Code)
			assert.Equal(t, http.StatusBadRequest, d.StatusCode)
		})
	}
}

func TestCheck_RateLimitedRequestKeepsToken(t *testing.T) {
	modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
		cfg := testConfig()
		cfg.Admission.RateLimit = models.RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute}
		h := newHarness(t, cfg, wrap)

		proof := h.solve(t, challenge.FamilyTicket, clientA, "/f")
		require.True(t, h.check(t, clientA, "/other", "", "").Response.Allowed)

		d := h.check(t, clientA, "/f", challenge.FamilyTicket, proof)
		assert.Equal(t, models.CodeRateLimited, d.Response.Code)

		h.clock.Set(t0 + 60)
		d = h.check(t, clientA, "/f", challenge.FamilyTicket, proof)
		assert.True(t, d.Response.Allowed, "token must survive the throttled attempt")
	})
}

func TestCheck_AbuseBlocked(t *testing.T) {
	modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
		cfg := testConfig()
		cfg.Challenge.Ticket.MaxLevel = 1
		cfg.Challenge.Ticket.Block = 10 * time.Minute
		h := newHarness(t, cfg, wrap)

		for i := range 2 {
			h.clock.Set(t0 + int64(i))
			proof := h.solve(t, challenge.FamilyTicket, clientA, "/f")
			require.True(t, h.check(t, clientA, "/f", challenge.FamilyTicket, proof).Response.Allowed)
		}

		h.clock.Set(t0 + 2)
		d := h.check(t, clientA, "/f", "", "")
		assert.False(t, d.Response.Allowed)
		assert.Equal(t, models.CodeAbuseBlocked, d.Response.Code)
		assert.Equal(t, int64(599), d.Response.RetryAfter)

		_, err := h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyTicket, "/f")
		var se *ServiceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, models.CodeAbuseBlocked, se.Code)
		assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
		assert.Equal(t, int64(599), se.RetryAfter)

		_, err = h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyPuzzle, "/f")
		assert.NoError(t, err, "a block is per family at issuance")

		h.clock.Set(t0 + 601)
		assert.True(t, h.check(t, clientA, "/f", "", "").Response.Allowed)
	})
}

func TestIssueChallenge_DifficultyEscalates(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	levels := []int{}
	for i := range 3 {
		h.clock.Set(t0 + int64(i))
		ch, err := h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyTicket, "/f")
		require.NoError(t, err)
		levels = append(levels, ch.Level)
		proof := h.svc.ticket.Solve(ch.Binding, ch.Difficulty)
		require.True(t, h.check(t, clientA, "/f", challenge.FamilyTicket, proof).Response.Allowed)
	}
	assert.Equal(t, []int{0, 0, 1}, levels)
}

func TestIssueChallenge_Validation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	var se *ServiceError

	_, err := h.svc.IssueChallenge(context.Background(), clientA, "captcha", "/f")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	_, err = h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyPuzzle, " ")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)

	_, err = h.svc.IssueChallenge(context.Background(), "not-an-ip", challenge.FamilyPuzzle, "/f")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.CodeInvalidRequest, se.Code)

	ch, err := h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyPuzzle, "/f")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(t0, 0).Add(5*time.Minute).UTC(), ch.ExpiresAt)
}

func TestInteractive(t *testing.T) {
	modes(t, func(t *testing.T, wrap func(backend.Backend) backend.Backend) {
		h := newHarness(t, testConfig(), wrap)
		ctx := context.Background()

		cookie, page, err := h.svc.RenderInteractive(clientA, "/f")
		require.NoError(t, err)
		assert.Equal(t, time.Unix(t0, 0).Add(2*time.Minute).UTC(), page.ExpiresAt)

		d, err := h.svc.VerifyInteractive(ctx, clientA, cookie, &models.InteractiveVerifyRequest{Resource: "/f", Nonce: "wrong"})
		require.NoError(t, err)
		assert.Equal(t, models.CodeTokenMalformed, d.Response.Code)

		d, err = h.svc.VerifyInteractive(ctx, clientA, cookie, &models.InteractiveVerifyRequest{Resource: "/f", Nonce: page.Nonce})
		require.NoError(t, err)
		assert.True(t, d.Response.Allowed)
		assert.Zero(t, h.exec.submitted("record-success"))

		d, err = h.svc.VerifyInteractive(ctx, clientA, cookie, &models.InteractiveVerifyRequest{Resource: "/f", Nonce: page.Nonce})
		require.NoError(t, err)
		assert.Equal(t, models.CodeTokenReplayed, d.Response.Code)

		cookie, page, err = h.svc.RenderInteractive(clientA, "/f")
		require.NoError(t, err)
		h.clock.Set(t0 + 120)
		d, err = h.svc.VerifyInteractive(ctx, clientA, cookie, &models.InteractiveVerifyRequest{Resource: "/f", Nonce: page.Nonce})
		require.NoError(t, err)
		assert.Equal(t, models.CodeTokenExpired, d.Response.Code)

		_, err = h.svc.VerifyInteractive(ctx, clientA, cookie, &models.InteractiveVerifyRequest{Resource: "/f"})
		assert.Error(t, err)
	})
}

// downBackend fails every store call.
type downBackend struct{ backend.Backend }

var errDown = errors.Join(backend.ErrUnavailable, errors.New("connection refused"))

func (downBackend) Name() string  { return "down" }
func (downBackend) Batches() bool { return true }
func (downBackend) Admit(context.Context, *backend.AdmitOp) (*backend.AdmitResult, error) {
	return nil, errDown
}
func (downBackend) Difficulty(context.Context, []string) (map[string]challenge.State, error) {
	return nil, errDown
}
func (downBackend) Ping(context.Context) error { return errDown }

func TestCheck_FailClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.FailPolicy = models.FailClosed
	h := newHarness(t, cfg, func(b backend.Backend) backend.Backend { return downBackend{b} })

	_, err := h.svc.Check(context.Background(), clientA, &models.CheckRequest{Resource: "/f"})
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.CodeServiceUnavailable, se.Code)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.ErrorIs(t, err, backend.ErrUnavailable)

	_, err = h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyPuzzle, "/f")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)

	health := h.svc.Health(context.Background())
	assert.Equal(t, models.StatusUnhealthy, health.Status)
	assert.Equal(t, "backend unavailable", health.Components["backend"].Message)
}

// limitDown fails only the rate limit primitive on the sequential path.
type limitDown struct{ sequential }

func (limitDown) RateLimit(context.Context, string, ratelimit.Rule, int64) (ratelimit.Record, error) {
	return ratelimit.Record{}, errDown
}

func TestCheck_SequentialLimitFailureNamesLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.FailPolicy = models.FailClosed
	h := newHarness(t, cfg, func(b backend.Backend) backend.Backend { return limitDown{sequential{b}} })

	_, err := h.svc.Check(context.Background(), clientA, &models.CheckRequest{Resource: "/f"})
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Contains(t, err.Error(), "subnet rate limit")
}

func TestCheck_FailOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.FailPolicy = models.FailOpen
	cfg.Challenge.Required = true
	h := newHarness(t, cfg, func(b backend.Backend) backend.Backend { return downBackend{b} })

	ch, err := h.svc.IssueChallenge(context.Background(), clientA, challenge.FamilyTicket, "/f")
	require.NoError(t, err, "issuance degrades to base difficulty")
	assert.Equal(t, 0, ch.Level)
	proof := h.svc.ticket.Solve(ch.Binding, ch.Difficulty)

	d := h.check(t, clientA, "/f", challenge.FamilyTicket, proof)
	assert.True(t, d.Response.Allowed)
	assert.True(t, d.Response.Degraded)
	assert.Zero(t, h.exec.submitted("record-success"))

	d = h.check(t, clientA, "/f", challenge.FamilyTicket, "garbage")
	assert.False(t, d.Response.Allowed, "validation errors deny under any policy")
	assert.Equal(t, models.CodeTokenMalformed, d.Response.Code)
	assert.True(t, d.Response.Degraded)

	d = h.check(t, clientA, "/f", "", "")
	assert.False(t, d.Response.Allowed)
	assert.Equal(t, models.CodeChallengeRequired, d.Response.Code)

	assert.Equal(t, models.StatusDegraded, h.svc.Health(context.Background()).Status)
}

func TestCheck_InvalidRequest(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	var se *ServiceError

	_, err := h.svc.Check(context.Background(), clientA, &models.CheckRequest{})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)

	_, err = h.svc.Check(context.Background(), "", &models.CheckRequest{Resource: "/f"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.CodeInvalidRequest, se.Code)

	_, err = h.svc.Check(context.Background(), clientA, &models.CheckRequest{Resource: "/f", ProofKind: "captcha", Proof: "x"})
	require.ErrorAs(t, err, &se)
}

func TestPutCache_Validation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	valid := "ab0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

	for name, hash := range map[string]string{
		"short":     "abc",
		"uppercase": "AB0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd",
		"not hex":   "zz0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.PutCache(context.Background(), hash, &models.CachePutRequest{Value: 1})
			var se *ServiceError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, http.StatusBadRequest, se.StatusCode)
		})
	}

	_, err := h.svc.PutCache(context.Background(), valid, &models.CachePutRequest{Value: -1})
	assert.Error(t, err)

	resp, err := h.svc.PutCache(context.Background(), valid, &models.CachePutRequest{Value: 7})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	v, ok, err := h.store.CacheGet(context.Background(), valid, time.Hour, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)
}

type fakeRecorder struct {
	mu    sync.Mutex
	codes []string
}

func (r *fakeRecorder) RecordDecision(_ context.Context, code string, _, _ bool) {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
}

type fakeTrigger struct{ calls []int64 }

func (f *fakeTrigger) MaybeTrigger(_ context.Context, now int64) bool {
	f.calls = append(f.calls, now)
	return false
}

func TestCheck_RecordsDecisionsAndPollsCleanup(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.RateLimit = models.RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute}
	rec := &fakeRecorder{}
	trig := &fakeTrigger{}
	h := newHarness(t, cfg, nil, WithDecisionRecorder(rec), WithCleanup(trig))

	h.check(t, clientA, "/f", "", "")
	h.check(t, clientA, "/f", "", "")

	assert.Equal(t, []string{models.CodeAllowed, models.CodeRateLimited}, rec.codes)
	assert.Equal(t, []int64{t0, t0}, trig.calls)
	assert.Zero(t, h.exec.submitted("stats"), "no stats task without a sink")
}

func TestHealth(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.clock.Set(t0 + 90)

	resp := h.svc.Health(context.Background())
	assert.Equal(t, models.StatusHealthy, resp.Status)
	assert.Equal(t, "1m30s", resp.Uptime)
	assert.Equal(t, models.StatusHealthy, resp.Components["backend"].Status)
}
