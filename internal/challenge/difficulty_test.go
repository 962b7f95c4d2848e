package challenge

import (
	"testing"
	"time"

	"dlgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{
	MaxLevel: 4,
	Window:   30 * time.Second,
	Reset:    120 * time.Second,
	Block:    600 * time.Second,
}

func advanceAll(p Policy, times ...int64) []State {
	var out []State
	var prev *State
	for _, now := range times {
		next := Advance(prev, p, now)
		out = append(out, next)
		prev = &next
	}
	return out
}

func TestAdvance_EscalatesToBlock(t *testing.T) {
	states := advanceAll(testPolicy, 0, 10, 20, 28, 29)

	levels := make([]int, len(states))
	for i, s := range states {
		levels[i] = s.Level
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, levels)

	last := states[len(states)-1]
	assert.Equal(t, int64(29+600), last.BlockUntil)

	level, blocked, retry := Current(&last, testPolicy, 30)
	assert.True(t, blocked)
	assert.Equal(t, 4, level)
	assert.Equal(t, int64(599), retry)

	for _, s := range states[:len(states)-1] {
		assert.Zero(t, s.BlockUntil)
	}
}

func TestAdvance_DecreasesAndResets(t *testing.T) {
	states := advanceAll(testPolicy, 0, 10, 20, 80, 100, 400)
	levels := []int{}
	for _, s := range states {
		levels = append(levels, s.Level)
	}
	// 80: 60s gap is past the window but within reset -> down one
	// 100: 20s gap -> up one; 400: beyond reset -> 0
	assert.Equal(t, []int{0, 1, 2, 1, 2, 0}, levels)
}

func TestAdvance_NeverBelowZero(t *testing.T) {
	states := advanceAll(testPolicy, 0, 60, 120+60)
	for _, s := range states {
		assert.Equal(t, 0, s.Level)
	}
}

func TestAdvance_FrozenWhileBlocked(t *testing.T) {
	blocked := State{Level: 4, LastSuccessAt: 100, BlockUntil: 700}

	next := Advance(&blocked, testPolicy, 200)
	assert.Equal(t, blocked, next)

	// expired block starts over
	next = Advance(&blocked, testPolicy, 700)
	assert.Equal(t, State{Level: 0, LastSuccessAt: 700}, next)
}

func TestAdvance_NoBlockConfigured(t *testing.T) {
	p := testPolicy
	p.Block = 0
	states := advanceAll(p, 0, 1, 2, 3, 4, 5, 6)
	last := states[len(states)-1]
	assert.Equal(t, p.MaxLevel, last.Level, "level is capped")
	assert.Zero(t, last.BlockUntil)
}

func TestCurrent(t *testing.T) {
	level, blocked, retry := Current(nil, testPolicy, 10)
	assert.Zero(t, level)
	assert.False(t, blocked)
	assert.Zero(t, retry)

	st := State{Level: 3, LastSuccessAt: 1000}
	level, blocked, _ = Current(&st, testPolicy, 1050)
	assert.Equal(t, 3, level)
	assert.False(t, blocked)

	// decays on read once reset has elapsed, without a write
	level, _, _ = Current(&st, testPolicy, 1120)
	assert.Zero(t, level)
	assert.Equal(t, 3, st.Level)

	expired := State{Level: 4, LastSuccessAt: 1000, BlockUntil: 1010}
	level, blocked, _ = Current(&expired, testPolicy, 1011)
	assert.Zero(t, level)
	assert.False(t, blocked)
}

func TestCurves(t *testing.T) {
	exp := Exponential{Base: 50, MaxLevel: 4}
	assert.Equal(t, 50, exp.Difficulty(0))
	assert.Equal(t, 100, exp.Difficulty(1))
	assert.Equal(t, 800, exp.Difficulty(4))
	assert.Equal(t, 800, exp.Difficulty(9), "capped at max level")
	assert.Equal(t, 50, exp.Difficulty(-1))

	lin := Linear{Min: 16, Step: 2, Max: 22}
	assert.Equal(t, 16, lin.Difficulty(0))
	assert.Equal(t, 20, lin.Difficulty(2))
	assert.Equal(t, 22, lin.Difficulty(3))
	assert.Equal(t, 22, lin.Difficulty(10))
}

func TestExponential_SaturatesAtRoundCap(t *testing.T) {
	exp := Exponential{Base: 50, MaxLevel: 63}
	assert.Equal(t, 100, exp.Difficulty(1))
	assert.Equal(t, models.MaxPuzzleRounds, exp.Difficulty(60))
	assert.Equal(t, models.MaxPuzzleRounds, exp.Difficulty(63))

	prev := 0
	for level := 0; level <= 63; level++ {
		d := exp.Difficulty(level)
		require.GreaterOrEqual(t, d, prev, "level %d", level)
		prev = d
	}

	assert.Equal(t, models.MaxPuzzleRounds, Exponential{Base: 1, MaxLevel: 20}.Difficulty(20))
}

func TestPolicySeconds(t *testing.T) {
	require.Equal(t, int64(30), testPolicy.WindowSeconds())
	require.Equal(t, int64(120), testPolicy.ResetSeconds())
	require.Equal(t, int64(600), testPolicy.BlockSeconds())
}
