package challenge

import "errors"

// ErrValidation marks a malformed, tampered or unsolved client-supplied
// binding or proof. It always denies, whatever the backend failure policy.
var ErrValidation = errors.New("challenge validation failed")
