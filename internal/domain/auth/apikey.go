package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// ScopeCouponAdmin grants access to the coupon console.
const ScopeCouponAdmin = "coupons:admin"

// ErrKeyNotFound is returned when no key matches a hash.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey is a stored admin credential. Only the HMAC of the key is kept.
type APIKey struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// Allows reports whether the key carries scope.
func (k *APIKey) Allows(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository stores API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
	Create(ctx context.Context, key *APIKey) error
}

// HashKey returns the hex HMAC-SHA256 of key under pepper.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}
