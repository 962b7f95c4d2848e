package backend

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Adapters wrap every failure in exactly one of these so the
// admission layer can apply its failure policy with errors.Is.
var (
	// ErrConfiguration is fatal at setup: missing credentials, schema absent
	// or incompatible.
	ErrConfiguration = errors.New("backend configuration error")

	// ErrUnavailable covers network and transport failures, including
	// deadlines expiring while waiting on the store.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInconsistent means the store answered but the answer violates the
	// contract: missing or malformed rows, unexpected result counts.
	ErrInconsistent = errors.New("backend returned inconsistent result")

	// ErrConcurrencyExhausted means optimistic retries ran out.
	ErrConcurrencyExhausted = errors.New("optimistic concurrency retries exhausted")
)

// errConflict is a lost compare-and-set; retried internally, never returned.
var errConflict = errors.New("compare-and-set conflict")

// unavailable wraps err as ErrUnavailable. Context errors keep their
// identity so callers can still tell a deadline from a refused connection.
func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrInconsistent) ||
		errors.Is(err, ErrConfiguration) || errors.Is(err, ErrConcurrencyExhausted) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconsistent, fmt.Sprintf(format, args...))
}

// IsDeadline reports whether err came from an expired or cancelled context.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
