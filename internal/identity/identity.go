// Package identity turns raw client and resource identifiers into the opaque
// keys stored by the backend. Client addresses are first collapsed to a
// policy-defined network prefix so that one subscriber rotating through its
// allocation is still a single subject. Every key is a keyed one-way hash;
// nothing reversible ever reaches the store or the logs.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Key domains. Each kind of key is hashed under its own label so a resource
// path can never collide with a subnet or token key.
const (
	domainSubnet   = "subnet"
	domainResource = "resource"
	domainPair     = "pair"
	domainToken    = "token"
)

var ErrInvalidAddress = errors.New("invalid client address")

// Subject is a normalised client: the collapsed prefix (safe to log) and its
// keyed hash (safe to store).
type Subject struct {
	Prefix netip.Prefix
	Hash   string
}

// Normalizer collapses addresses and derives keys. It is immutable after
// construction and safe for concurrent use.
type Normalizer struct {
	v4Bits int
	v6Bits int
	key    []byte
}

// NewNormalizer builds a Normalizer whose hashing key is derived from secret.
func NewNormalizer(secret string, v4Bits, v6Bits int) (*Normalizer, error) {
	if v4Bits < 1 || v4Bits > 32 {
		return nil, fmt.Errorf("ipv4 prefix out of range: %d", v4Bits)
	}
	if v6Bits < 1 || v6Bits > 128 {
		return nil, fmt.Errorf("ipv6 prefix out of range: %d", v6Bits)
	}
	key, err := DeriveKey(secret, PurposeIdentity)
	if err != nil {
		return nil, err
	}
	return &Normalizer{v4Bits: v4Bits, v6Bits: v6Bits, key: key}, nil
}

// Collapse parses addr and masks it to the configured prefix length.
// IPv4-mapped IPv6 addresses are treated as IPv4.
func (n *Normalizer) Collapse(addr string) (netip.Prefix, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	ip = ip.Unmap().WithZone("")

	bits := n.v6Bits
	if ip.Is4() {
		bits = n.v4Bits
	}
	return ip.Prefix(bits)
}

// Subject collapses addr and hashes the resulting prefix.
func (n *Normalizer) Subject(addr string) (Subject, error) {
	prefix, err := n.Collapse(addr)
	if err != nil {
		return Subject{}, err
	}
	return Subject{Prefix: prefix, Hash: n.hash(domainSubnet, prefix.String())}, nil
}

func (n *Normalizer) ResourceKey(resource string) string {
	return n.hash(domainResource, resource)
}

// PairKey keys the per-(subnet, resource) rate limit subject.
func (n *Normalizer) PairKey(subjectHash, resourceHash string) string {
	return n.hash(domainPair, subjectHash+":"+resourceHash)
}

// TokenKey keys a challenge token or interactive nonce in the ledger.
func (n *Normalizer) TokenKey(token string) string {
	return n.hash(domainToken, token)
}

func (n *Normalizer) hash(domain, value string) string {
	mac := hmac.New(sha256.New, n.key)
	mac.Write([]byte(domain))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
