package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dlgate/internal/backend"
	"dlgate/internal/models"
	"dlgate/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	mu      sync.Mutex
	cutoffs map[backend.Table]int64
	fail    map[backend.Table]bool
	calls   int
}

func (f *fakeDeleter) DeleteExpired(_ context.Context, table backend.Table, cutoff int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.cutoffs == nil {
		f.cutoffs = map[backend.Table]int64{}
	}
	f.cutoffs[table] = cutoff
	if f.fail[table] {
		return 0, errors.New("store down")
	}
	return 3, nil
}

// inlineExec runs tasks synchronously so tests can observe their effects.
type inlineExec struct{ refuse bool }

func (e inlineExec) Submit(ctx context.Context, _ string, fn tasks.Func) bool {
	if e.refuse {
		return false
	}
	_ = fn(ctx)
	return true
}

func testConfig() models.CleanupConfig {
	return models.CleanupConfig{
		Probability:         0.5,
		MinInterval:         time.Hour,
		RateLimitRetention:  time.Hour,
		DifficultyRetention: 24 * time.Hour,
	}
}

func TestCutoffs(t *testing.T) {
	s := NewScheduler(&fakeDeleter{}, inlineExec{}, testConfig(), 10*time.Minute)
	now := int64(1_000_000)

	c := s.Cutoffs(now)
	assert.Equal(t, now-3600, c[backend.TableRateLimits])
	assert.Equal(t, now-600, c[backend.TableCache])
	assert.Equal(t, now-86400, c[backend.TableDifficulty])
	assert.Equal(t, now, c[backend.TableTokens])
}

func TestRunIsolatesFailures(t *testing.T) {
	store := &fakeDeleter{fail: map[backend.Table]bool{backend.TableCache: true}}
	s := NewScheduler(store, inlineExec{}, testConfig(), time.Hour)

	report := s.Run(context.Background(), 1_000_000)
	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), string(backend.TableCache))

	assert.Equal(t, 4, store.calls)
	assert.Len(t, report.Deleted, 3)
	assert.Equal(t, int64(3), report.Deleted[backend.TableTokens])
	_, ok := report.Deleted[backend.TableCache]
	assert.False(t, ok)
}

func TestMaybeTriggerProbability(t *testing.T) {
	store := &fakeDeleter{}
	s := NewScheduler(store, inlineExec{}, testConfig(), time.Hour)

	s.roll = func() float64 { return 0.9 }
	assert.False(t, s.MaybeTrigger(context.Background(), 1))
	assert.Zero(t, store.calls)

	s.roll = func() float64 { return 0.1 }
	assert.True(t, s.MaybeTrigger(context.Background(), 1))
	assert.Equal(t, 4, store.calls)
}

func TestMaybeTriggerMinInterval(t *testing.T) {
	store := &fakeDeleter{}
	s := NewScheduler(store, inlineExec{}, testConfig(), time.Hour)
	s.roll = func() float64 { return 0 }

	assert.True(t, s.MaybeTrigger(context.Background(), 1))
	assert.False(t, s.MaybeTrigger(context.Background(), 2), "throttled within min interval")
	assert.Equal(t, 4, store.calls)
}

func TestMaybeTriggerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Probability = 0
	s := NewScheduler(&fakeDeleter{}, inlineExec{}, cfg, time.Hour)
	s.roll = func() float64 { return 0 }
	assert.False(t, s.MaybeTrigger(context.Background(), 1))
}

func TestMaybeTriggerQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = 0
	store := &fakeDeleter{}
	s := NewScheduler(store, inlineExec{refuse: true}, cfg, time.Hour)
	s.roll = func() float64 { return 0 }

	assert.False(t, s.MaybeTrigger(context.Background(), 1))
	assert.False(t, s.running.Load(), "a refused sweep must not stay marked running")
}

func TestSweepAgainstSQLite(t *testing.T) {
	b, err := backend.NewSQLiteBackend(models.SQLiteConfig{Path: t.TempDir() + "/c.db"})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, backend.Prepare(ctx, b, true))

	now := int64(1_700_000_000)
	require.NoError(t, b.CachePut(ctx, "old", 1, now-7200))
	require.NoError(t, b.CachePut(ctx, "new", 2, now))

	s := NewScheduler(b, inlineExec{}, testConfig(), time.Hour)
	report := s.Run(ctx, now)
	require.NoError(t, report.Err)
	assert.Equal(t, int64(1), report.Deleted[backend.TableCache])
}
