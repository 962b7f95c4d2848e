// Package stats records admission decisions as counters for dashboards.
// Recording is best effort and always happens off the request path.
package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dlgate/internal/models"

	"github.com/redis/go-redis/v9"
)

// Event is one admission decision.
type Event struct {
	Code     string
	Allowed  bool
	Degraded bool
	At       time.Time
}

// Sink receives decision events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event; used when stats are disabled.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// RedisSink keeps cumulative and per-minute hashes:
//
//	{prefix}:total            allowed|denied|degraded
//	{prefix}:codes            one field per decision code
//	{prefix}:minute:YYYYMMDDhhmm  allowed|denied, expiring after ttl
type RedisSink struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type Option func(*RedisSink)

func WithPrefix(prefix string) Option {
	return func(s *RedisSink) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) Option {
	return func(s *RedisSink) { s.ttl = d }
}

func NewRedisSink(rdb *redis.Client, opts ...Option) *RedisSink {
	s := &RedisSink{rdb: rdb, prefix: "dlgate:stats", ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New returns the sink configured by cfg: Nop when disabled, otherwise a
// Redis sink whose connection has been checked.
func New(ctx context.Context, cfg models.StatsConfig) (Sink, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisSink(rdb, WithPrefix(cfg.Prefix), WithTTL(cfg.TTL)), nil
}

func (s *RedisSink) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	if ev.Degraded {
		pipe.HIncrBy(ctx, s.prefix+":total", "degraded", 1)
	}
	if ev.Code != "" {
		pipe.HIncrBy(ctx, s.prefix+":codes", ev.Code, 1)
	}

	bucket := s.bucketKey(at)
	pipe.HIncrBy(ctx, bucket, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucket, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) bucketKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
