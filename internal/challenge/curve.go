package challenge

import (
	"math/bits"

	"dlgate/internal/models"
)

// Curve maps a difficulty level to the work a client must do.
type Curve interface {
	Difficulty(level int) int
}

// Exponential doubles the work per level: Base * 2^min(level, MaxLevel),
// saturating at models.MaxPuzzleRounds. The puzzle family uses it as an
// iteration count.
type Exponential struct {
	Base     int
	MaxLevel int
}

func (c Exponential) Difficulty(level int) int {
	if level < 0 {
		level = 0
	}
	if level > c.MaxLevel {
		level = c.MaxLevel
	}
	if level >= bits.UintSize-1 || c.Base > models.MaxPuzzleRounds>>level {
		return models.MaxPuzzleRounds
	}
	return c.Base << level
}

// Linear adds Step per level up to Max: min(Min + level*Step, Max).
// The ticket family uses it as a count of leading zero bits.
type Linear struct {
	Min  int
	Step int
	Max  int
}

func (c Linear) Difficulty(level int) int {
	if level < 0 {
		level = 0
	}
	d := c.Min + level*c.Step
	if d > c.Max {
		d = c.Max
	}
	return d
}
