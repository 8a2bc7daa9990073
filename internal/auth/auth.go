// Package auth authenticates incoming requests against the single bearer
// API key credential form this gateway recognizes.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/cfxhq/router/internal/httpserver"
	"github.com/cfxhq/router/internal/security"
	"github.com/cfxhq/router/internal/store"
	"github.com/cfxhq/router/internal/telemetry"
)

// FailureReason classifies why authentication did not succeed.
type FailureReason string

const (
	ReasonMissingHeader      FailureReason = "missing_header"
	ReasonInvalidKey         FailureReason = "invalid_api_key"
	ReasonRevokedKey         FailureReason = "revoked_api_key"
	ReasonBackendUnavailable FailureReason = "service_unavailable"
)

// Decision is the outcome of authenticating a request: either Authenticated
// is true and UserID/APIKeyID are populated, or it is false and Reason
// explains why.
type Decision struct {
	Authenticated bool
	UserID        uuid.UUID
	APIKeyID      uuid.UUID
	Reason        FailureReason
}

type contextKey int

const decisionKey contextKey = iota

// NewContext attaches a Decision to ctx.
func NewContext(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// FromContext retrieves the Decision attached by the middleware. ok is
// false if no decision was attached (the middleware was not run).
func FromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey).(Decision)
	return d, ok
}

// Authenticator resolves a bearer secret to a Decision.
type Authenticator struct {
	hasher *security.Hasher
	store  store.Store
	logger *slog.Logger
}

// NewAuthenticator builds an Authenticator.
func NewAuthenticator(hasher *security.Hasher, st store.Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{hasher: hasher, store: st, logger: logger}
}

// Authenticate extracts the bearer token from header, hashes it, and looks
// it up in the store.
func (a *Authenticator) Authenticate(ctx context.Context, header string) Decision {
	secret, ok := security.ExtractBearer(header)
	if !ok {
		return Decision{Reason: ReasonMissingHeader}
	}

	digest := a.hasher.Hash(secret)
	key, err := a.store.FindActiveKey(ctx, digest)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Reason: ReasonInvalidKey}
		}
		a.logger.Error("auth: store unavailable during key lookup", "error", err)
		return Decision{Reason: ReasonBackendUnavailable}
	}

	if !key.Active() {
		return Decision{Reason: ReasonRevokedKey}
	}

	return Decision{Authenticated: true, UserID: key.UserID, APIKeyID: key.ID}
}

// Middleware authenticates every request and attaches the resulting
// Decision to the request context. It never writes a response itself on
// success; a failed authentication writes the 401 envelope directly and
// short-circuits the chain, since nothing downstream can act on a request
// without a resolved user.
func Middleware(authr *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := authr.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if !decision.Authenticated {
				telemetry.AuthFailuresTotal.WithLabelValues(string(decision.Reason)).Inc()
				status, code, message := mapFailure(decision.Reason)
				httpserver.RespondError(w, status, "authentication_error", message, code)
				return
			}

			ctx := NewContext(r.Context(), decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func mapFailure(reason FailureReason) (status int, code string, message string) {
	switch reason {
	case ReasonMissingHeader:
		return http.StatusUnauthorized, "missing_api_key", "missing or malformed Authorization header"
	case ReasonRevokedKey:
		return http.StatusUnauthorized, "invalid_api_key", "API key has been revoked"
	case ReasonBackendUnavailable:
		return http.StatusUnauthorized, "service_unavailable", "authentication backend is unavailable"
	default:
		return http.StatusUnauthorized, "invalid_api_key", "invalid API key"
	}
}
