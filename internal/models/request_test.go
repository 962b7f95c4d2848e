package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckRequest_Validate(t *testing.T) {
	tests := []struct {
		name        string
		request     CheckRequest
		expectError bool
	}{
		{"resource only", CheckRequest{Resource: "/files/a.bin"}, false},
		{"ticket proof", CheckRequest{Resource: "/files/a.bin", ProofKind: ProofTicket, Proof: "b~n"}, false},
		{"missing resource", CheckRequest{}, true},
		{"oversized resource", CheckRequest{Resource: strings.Repeat("a", maxResourceLength+1)}, true},
		{"unknown proof kind", CheckRequest{Resource: "/a", ProofKind: "captcha", Proof: "x"}, true},
		{"proof without kind", CheckRequest{Resource: "/a", Proof: "x"}, true},
		{"kind without proof", CheckRequest{Resource: "/a", ProofKind: ProofPuzzle}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckRequest_Normalize(t *testing.T) {
	req := CheckRequest{Resource: "  /files/a.bin ", ProofKind: " Ticket", Proof: " abc~1 "}
	req.Normalize()

	assert.Equal(t, "/files/a.bin", req.Resource)
	assert.Equal(t, ProofTicket, req.ProofKind)
	assert.Equal(t, "abc~1", req.Proof)
}

func TestInteractiveVerifyRequest_Validate(t *testing.T) {
	assert.NoError(t, (&InteractiveVerifyRequest{Resource: "/a", Nonce: "n"}).Validate())
	assert.Error(t, (&InteractiveVerifyRequest{Resource: "/a"}).Validate())
	assert.Error(t, (&InteractiveVerifyRequest{Nonce: "n"}).Validate())
}

func TestCachePutRequest_Validate(t *testing.T) {
	assert.NoError(t, (&CachePutRequest{Value: 0}).Validate())
	assert.Error(t, (&CachePutRequest{Value: -1}).Validate())
}
