package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
	"strconv"

	"dlgate/internal/models"
)

// Work pairs the verification and solving halves of one proof-of-work
// scheme. Difficulty semantics belong to the scheme.
type Work struct {
	Verify func(binding, solution string, difficulty int) bool
	Solve  func(binding string, difficulty int) string
}

var (
	TicketWork = Work{Verify: VerifyTicket, Solve: SolveTicket}
	PuzzleWork = Work{Verify: VerifyPuzzle, Solve: SolvePuzzle}
)

// VerifyTicket checks a proof-of-work ticket: sha256(binding ":" solution)
// must start with at least difficulty zero bits.
func VerifyTicket(binding, solution string, difficulty int) bool {
	if solution == "" || len(solution) > 64 {
		return false
	}
	sum := sha256.Sum256([]byte(binding + ":" + solution))
	return leadingZeroBits(sum[:]) >= difficulty
}

// VerifyPuzzle checks a sequential hash puzzle: the solution is the hex
// digest after difficulty rounds of sha256 seeded with the binding. The
// rounds cannot be parallelised, so difficulty is a lower bound on client
// time.
func VerifyPuzzle(binding, solution string, difficulty int) bool {
	if len(solution) != sha256.Size*2 || difficulty > models.MaxPuzzleRounds {
		return false
	}
	return puzzleDigest(binding, difficulty) == solution
}

// SolveTicket searches for a ticket solution. Expected cost is 2^difficulty
// hashes; intended for clients and tests.
func SolveTicket(binding string, difficulty int) string {
	for n := uint64(0); ; n++ {
		s := strconv.FormatUint(n, 36)
		if VerifyTicket(binding, s, difficulty) {
			return s
		}
	}
}

// SolvePuzzle computes the puzzle solution for binding.
func SolvePuzzle(binding string, difficulty int) string {
	return puzzleDigest(binding, difficulty)
}

func puzzleDigest(binding string, rounds int) string {
	sum := sha256.Sum256([]byte(binding))
	for i := 1; i < rounds; i++ {
		sum = sha256.Sum256(sum[:])
	}
	return hex.EncodeToString(sum[:])
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, x := range b {
		if x == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(x)
	}
	return n
}
