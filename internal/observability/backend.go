package observability

import (
	"context"
	"errors"
	"time"

	"dlgate/internal/backend"
	"dlgate/internal/challenge"
	"dlgate/internal/ratelimit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedBackend wraps a backend.Backend with a span, a latency sample
// and, on failure, an error count per call. Keys are hashes already, but
// they are still left out of span attributes to keep cardinality down.
type InstrumentedBackend struct {
	inner    backend.Backend
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ backend.Backend = (*InstrumentedBackend)(nil)

func NewInstrumentedBackend(inner backend.Backend) (*InstrumentedBackend, error) {
	tracer := otel.Tracer("dlgate/backend")
	meter := otel.Meter("dlgate/backend")

	duration, err := meter.Float64Histogram(
		"backend.operation.duration",
		metric.WithDescription("Duration of backend operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"backend.operation.errors",
		metric.WithDescription("Number of backend operation errors by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedBackend{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (b *InstrumentedBackend) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "backend."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("backend.name", b.inner.Name()),
			attribute.String("backend.operation", operation),
		}, attrs...)...),
	)
}

func (b *InstrumentedBackend) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := []attribute.KeyValue{
		attribute.String("backend", b.inner.Name()),
		attribute.String("operation", operation),
	}
	b.duration.Record(ctx, elapsed, metric.WithAttributes(attrs...))

	if err != nil {
		b.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("kind", ErrorKind(err)))...))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ErrorKind labels err with its backend error kind.
func ErrorKind(err error) string {
	switch {
	case backend.IsDeadline(err):
		return "deadline"
	case errors.Is(err, backend.ErrConfiguration):
		return "configuration"
	case errors.Is(err, backend.ErrConcurrencyExhausted):
		return "concurrency_exhausted"
	case errors.Is(err, backend.ErrInconsistent):
		return "inconsistent"
	case errors.Is(err, backend.ErrUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

func (b *InstrumentedBackend) Name() string  { return b.inner.Name() }
func (b *InstrumentedBackend) Batches() bool { return b.inner.Batches() }

func (b *InstrumentedBackend) EnsureSchema(ctx context.Context) error {
	ctx, span := b.startSpan(ctx, "EnsureSchema")
	start := time.Now()
	err := b.inner.EnsureSchema(ctx)
	b.record(ctx, span, "EnsureSchema", start, err)
	return err
}

func (b *InstrumentedBackend) SchemaVersion(ctx context.Context) (string, error) {
	ctx, span := b.startSpan(ctx, "SchemaVersion")
	start := time.Now()
	v, err := b.inner.SchemaVersion(ctx)
	b.record(ctx, span, "SchemaVersion", start, err)
	return v, err
}

func (b *InstrumentedBackend) Admit(ctx context.Context, op *backend.AdmitOp) (*backend.AdmitResult, error) {
	ctx, span := b.startSpan(ctx, "Admit",
		attribute.Int("admit.limits", len(op.Limits)),
		attribute.Bool("admit.cache", op.CacheKey != ""),
		attribute.Bool("admit.token", op.Token != nil),
	)
	start := time.Now()
	res, err := b.inner.Admit(ctx, op)
	if err == nil && res.Token != nil {
		span.SetAttributes(attribute.Bool("token.accepted", res.Token.Accepted))
	}
	b.record(ctx, span, "Admit", start, err)
	return res, err
}

func (b *InstrumentedBackend) RateLimit(ctx context.Context, key string, rule ratelimit.Rule, now int64) (ratelimit.Record, error) {
	ctx, span := b.startSpan(ctx, "RateLimit", attribute.Int("rule.limit", rule.Limit))
	start := time.Now()
	rec, err := b.inner.RateLimit(ctx, key, rule, now)
	b.record(ctx, span, "RateLimit", start, err)
	return rec, err
}

func (b *InstrumentedBackend) CacheGet(ctx context.Context, key string, ttl time.Duration, now int64) (int64, bool, error) {
	ctx, span := b.startSpan(ctx, "CacheGet")
	start := time.Now()
	v, ok, err := b.inner.CacheGet(ctx, key, ttl, now)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	b.record(ctx, span, "CacheGet", start, err)
	return v, ok, err
}

func (b *InstrumentedBackend) CachePut(ctx context.Context, key string, value int64, now int64) error {
	ctx, span := b.startSpan(ctx, "CachePut")
	start := time.Now()
	err := b.inner.CachePut(ctx, key, value, now)
	b.record(ctx, span, "CachePut", start, err)
	return err
}

func (b *InstrumentedBackend) Difficulty(ctx context.Context, keys []string) (map[string]challenge.State, error) {
	ctx, span := b.startSpan(ctx, "Difficulty", attribute.Int("keys", len(keys)))
	start := time.Now()
	states, err := b.inner.Difficulty(ctx, keys)
	b.record(ctx, span, "Difficulty", start, err)
	return states, err
}

func (b *InstrumentedBackend) RecordSuccess(ctx context.Context, key string, p challenge.Policy, now int64) (challenge.State, error) {
	ctx, span := b.startSpan(ctx, "RecordSuccess")
	start := time.Now()
	st, err := b.inner.RecordSuccess(ctx, key, p, now)
	if err == nil {
		span.SetAttributes(attribute.Int("difficulty.level", st.Level), attribute.Bool("difficulty.blocked", st.BlockUntil > now))
	}
	b.record(ctx, span, "RecordSuccess", start, err)
	return st, err
}

func (b *InstrumentedBackend) RedeemToken(ctx context.Context, use challenge.TokenUse, now int64) (challenge.TokenOutcome, error) {
	ctx, span := b.startSpan(ctx, "RedeemToken")
	start := time.Now()
	out, err := b.inner.RedeemToken(ctx, use, now)
	if err == nil {
		span.SetAttributes(attribute.Bool("token.accepted", out.Accepted), attribute.String("token.code", out.Code))
	}
	b.record(ctx, span, "RedeemToken", start, err)
	return out, err
}

func (b *InstrumentedBackend) DeleteExpired(ctx context.Context, table backend.Table, cutoff int64) (int64, error) {
	ctx, span := b.startSpan(ctx, "DeleteExpired", attribute.String("table", string(table)))
	start := time.Now()
	n, err := b.inner.DeleteExpired(ctx, table, cutoff)
	span.SetAttributes(attribute.Int64("rows", n))
	b.record(ctx, span, "DeleteExpired", start, err)
	return n, err
}

func (b *InstrumentedBackend) Ping(ctx context.Context) error {
	ctx, span := b.startSpan(ctx, "Ping")
	start := time.Now()
	err := b.inner.Ping(ctx)
	b.record(ctx, span, "Ping", start, err)
	return err
}

func (b *InstrumentedBackend) Close() error {
	return b.inner.Close()
}
