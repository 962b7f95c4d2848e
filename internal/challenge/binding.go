package challenge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Claims is what a binding commits to. Resource and Scope are the hashed
// resource and subject the challenge was issued for.
type Claims struct {
	Family   string `json:"f"`
	Resource string `json:"r"`
	Scope    string `json:"s"`
	Level    int    `json:"l"`
	IssuedAt int64  `json:"i"`
	Nonce    string `json:"n"`
}

// ExpiresAt is the last instant (exclusive) the binding may be redeemed.
func (c Claims) ExpiresAt(ttl time.Duration) int64 {
	return c.IssuedAt + int64(ttl/time.Second)
}

// Binder issues and opens HMAC-committed bindings. The token is
// base64url(claims JSON) "." base64url(HMAC-SHA256), so it carries its own
// state and issuing one costs no store round trip.
type Binder struct {
	key []byte
	ttl time.Duration
}

func NewBinder(key []byte, ttl time.Duration) *Binder {
	return &Binder{key: key, ttl: ttl}
}

func (b *Binder) TTL() time.Duration { return b.ttl }

// Bind commits to resource, scope and level for family at time now. Every
// binding carries a fresh nonce so two challenges are never equal.
func (b *Binder) Bind(family, resource, scope string, level int, now int64) (string, Claims) {
	c := Claims{
		Family:   family,
		Resource: resource,
		Scope:    scope,
		Level:    level,
		IssuedAt: now,
		Nonce:    uuid.NewString(),
	}
	return b.Seal(c), c
}

// Seal encodes and signs c as is.
func (b *Binder) Seal(c Claims) string {
	payload, _ := json.Marshal(c) // plain struct, cannot fail
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(b.mac(payload))
}

// Open verifies the MAC of token and returns its claims. Expiry is not
// checked here; the ledger owns it so that expired proofs get their own code.
func (b *Binder) Open(token string) (Claims, error) {
	payloadPart, macPart, ok := strings.Cut(token, ".")
	if !ok || payloadPart == "" || macPart == "" {
		return Claims{}, fmt.Errorf("%w: binding is not two-part", ErrValidation)
	}

	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: binding payload encoding", ErrValidation)
	}
	sig, err := enc.DecodeString(macPart)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: binding mac encoding", ErrValidation)
	}
	if !hmac.Equal(sig, b.mac(payload)) {
		return Claims{}, fmt.Errorf("%w: binding mac mismatch", ErrValidation)
	}

	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: binding payload: %v", ErrValidation, err)
	}
	if c.Nonce == "" || c.Family == "" {
		return Claims{}, fmt.Errorf("%w: binding claims incomplete", ErrValidation)
	}
	return c, nil
}

func (b *Binder) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, b.key)
	m.Write(payload)
	return m.Sum(nil)
}
