package challenge

import (
	"crypto/subtle"
	"fmt"
	"time"
)

// FamilyInteractive names the cookie-bound interactive challenge.
const FamilyInteractive = "interactive"

// Interactive is the cookie-bound challenge rendered as a page. Each render
// mints a nonce folded into a MAC over the subject and resource and hands it
// out twice: once in the cookie and once in the page. Rendering is
// stateless; verification checks the MAC and that both copies agree, and the
// nonce is then redeemed through the single-use ledger.
type Interactive struct {
	binder *Binder
}

func NewInteractive(key []byte, nonceTTL time.Duration) *Interactive {
	return &Interactive{binder: NewBinder(key, nonceTTL)}
}

func (i *Interactive) TTL() time.Duration { return i.binder.TTL() }

// Render returns the cookie value and the page nonce.
func (i *Interactive) Render(resource, subject string, now int64) (cookie string, claims Claims) {
	return i.binder.Bind(FamilyInteractive, resource, subject, 0, now)
}

// Verify opens the cookie and checks it was rendered together with nonce.
func (i *Interactive) Verify(cookie, nonce string) (Claims, error) {
	c, err := i.binder.Open(cookie)
	if err != nil {
		return Claims{}, err
	}
	if c.Family != FamilyInteractive {
		return Claims{}, fmt.Errorf("%w: not an interactive cookie", ErrValidation)
	}
	if subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(nonce)) != 1 {
		return Claims{}, fmt.Errorf("%w: nonce does not match cookie", ErrValidation)
	}
	return c, nil
}
