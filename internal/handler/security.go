package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

type apiKeyCtxKey struct{}

// Security authenticates admin requests via HMAC-SHA256 hashed API keys.
type Security struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurity creates a Security with the given API key repository and HMAC
// pepper.
func NewSecurity(apikeys auth.Repository, pepper []byte) *Security {
	return &Security{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

// Authenticate resolves the key presented in the X-API-Key header.
func (s *Security) Authenticate(ctx context.Context, key string, scope string) (*auth.APIKey, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hexHash := auth.HashKey(s.pepper, key)

	info, err := s.apikeys.FindByHash(ctx, hexHash)
	if errors.Is(err, auth.ErrKeyNotFound) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, errors.Wrap(err, "find api key")
	}

	hash, _ := hex.DecodeString(hexHash)
	storedBytes, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(hash, storedBytes) != 1 {
		return nil, errUnauthorized
	}
	if !info.Allows(scope) {
		return nil, errForbidden
	}
	return info, nil
}

// Require rejects requests whose API key lacks scope.
func (s *Security) Require(scope string) httpmiddleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := s.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey), scope)
			switch {
			case errors.Is(err, errUnauthorized):
				httpmiddleware.WriteError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			case errors.Is(err, errForbidden):
				httpmiddleware.WriteError(w, http.StatusForbidden, "API key lacks scope "+scope)
				return
			case err != nil:
				zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
				httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyCtxKey{}, key)
			ctx = zctx.With(ctx, zap.String("api_key_id", key.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext returns the authenticated key, if any.
func APIKeyFromContext(ctx context.Context) (*auth.APIKey, bool) {
	key, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKey)
	return key, ok
}
