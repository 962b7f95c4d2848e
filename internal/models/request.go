// Package models - API request types and input validation.
//
// Validation Philosophy:
// - Fail fast with clear error messages for invalid input
// - Normalize input (trimmed strings, lowercase proof kinds)
// - The client address is never part of a request body; it comes from the
//   connection or trusted headers
package models

import (
	"errors"
	"fmt"
	"strings"
)

// Proof kinds accepted by the admission check.
const (
	ProofPuzzle      = "puzzle"
	ProofTicket      = "ticket"
	ProofInteractive = "interactive"
)

// maxResourceLength bounds the resource path accepted for hashing.
const maxResourceLength = 2048

// CheckRequest asks whether the calling client may fetch Resource.
//
// Proof is optional. When present ProofKind names the challenge it solves:
// puzzle and ticket proofs are "binding~solution", interactive proofs are
// "cookie~nonce" as issued at render time.
type CheckRequest struct {
	Resource  string `json:"resource"`
	ProofKind string `json:"proof_kind,omitempty"`
	Proof     string `json:"proof,omitempty"`
}

func (r *CheckRequest) Validate() error {
	if r.Resource == "" {
		return errors.New("resource is required")
	}
	if len(r.Resource) > maxResourceLength {
		return fmt.Errorf("resource exceeds %d characters", maxResourceLength)
	}
	if r.Proof != "" && !isProofKind(r.ProofKind) {
		return fmt.Errorf("invalid proof kind: %q", r.ProofKind)
	}
	if r.Proof == "" && r.ProofKind != "" {
		return errors.New("proof kind given without proof")
	}
	return nil
}

func (r *CheckRequest) Normalize() {
	r.Resource = strings.TrimSpace(r.Resource)
	r.ProofKind = strings.ToLower(strings.TrimSpace(r.ProofKind))
	r.Proof = strings.TrimSpace(r.Proof)
}

// InteractiveVerifyRequest is posted by the rendered interactive challenge.
type InteractiveVerifyRequest struct {
	Resource string `json:"resource"`
	Nonce    string `json:"nonce"`
}

func (r *InteractiveVerifyRequest) Validate() error {
	if r.Resource == "" {
		return errors.New("resource is required")
	}
	if r.Nonce == "" {
		return errors.New("nonce is required")
	}
	return nil
}

// CachePutRequest stores the resolved filesize for a resource.
type CachePutRequest struct {
	Value int64 `json:"value"`
}

func (r *CachePutRequest) Validate() error {
	if r.Value < 0 {
		return errors.New("value cannot be negative")
	}
	return nil
}

func isProofKind(kind string) bool {
	switch kind {
	case ProofPuzzle, ProofTicket, ProofInteractive:
		return true
	}
	return false
}
