package challenge

import "dlgate/internal/models"

// TokenRecord is the persisted ledger row of one solved challenge.
type TokenRecord struct {
	SubjectHash  string
	ResourceHash string
	UseCount     int
	ExpiresAt    int64
}

// TokenUse is one attempt to redeem a token. Bound* come from the token's
// own (MAC-verified) claims and seed the row on first observation; Subject
// and Resource describe the request redeeming it.
type TokenUse struct {
	Hash          string
	BoundSubject  string
	BoundResource string
	Subject       string
	Resource      string
	MaxUses       int
	ExpiresAt     int64
}

// TokenOutcome is the ledger's verdict. Code is empty when accepted.
type TokenOutcome struct {
	Accepted bool
	Code     string
	UseCount int
}

// Redeem evaluates use against prev (nil when the token was never seen) at
// now. Checks run in a fixed order so the code is deterministic: subject
// mismatch, expiry, replay, resource mismatch. On acceptance the returned
// record must be persisted; on rejection nothing is written.
func Redeem(prev *TokenRecord, use TokenUse, now int64) (TokenRecord, TokenOutcome) {
	rec := TokenRecord{
		SubjectHash:  use.BoundSubject,
		ResourceHash: use.BoundResource,
		ExpiresAt:    use.ExpiresAt,
	}
	if prev != nil {
		rec = *prev
	}

	reject := func(code string) (TokenRecord, TokenOutcome) {
		return rec, TokenOutcome{Code: code, UseCount: rec.UseCount}
	}
	switch {
	case rec.SubjectHash != use.Subject:
		return reject(models.CodeTokenSubjectMismatch)
	case rec.ExpiresAt <= now:
		return reject(models.CodeTokenExpired)
	case rec.UseCount >= use.MaxUses:
		return reject(models.CodeTokenReplayed)
	case rec.ResourceHash != use.Resource:
		return reject(models.CodeTokenResourceMismatch)
	}

	rec.UseCount++
	return rec, TokenOutcome{Accepted: true, UseCount: rec.UseCount}
}
