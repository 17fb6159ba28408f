package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyIdentity stores the authenticated *identity.Identity
	ContextKeyIdentity ContextKey = "identity"
	// ContextKeyToken stores the raw bearer token
	ContextKeyToken ContextKey = "token"
)

// RequireAuth validates the bearer session token. Every failure is reported
// to the client as the same 401; the specific reason is only logged.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				log.Debug().Str("path", r.URL.Path).Msg("missing or malformed Authorization header")
				respondError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}

			ident, err := s.deps.Tokens.Verify(r.Context(), raw)
			if err != nil {
				log.Warn().Err(err).Str("kind", tokenErrorKind(err)).Str("path", r.URL.Path).Msg("rejected session token")
				s.metrics.authFailures.WithLabelValues(tokenErrorKind(err)).Inc()
				respondError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyIdentity, ident)
			ctx = context.WithValue(ctx, ContextKeyToken, raw)
			next(w, r.WithContext(ctx))
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func tokenErrorKind(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrTokenExpired):
		return "token_expired"
	case apperrors.Is(err, apperrors.ErrTokenRevoked):
		return "token_revoked"
	case apperrors.Is(err, apperrors.ErrIdentityBlocked):
		return "identity_blocked"
	case apperrors.Is(err, apperrors.ErrTokenSubjectUnknown):
		return "token_subject_unknown"
	case apperrors.Is(err, apperrors.ErrInvalidToken):
		return "token_invalid"
	default:
		return "internal"
	}
}

func identityFrom(ctx context.Context) *identity.Identity {
	ident, _ := ctx.Value(ContextKeyIdentity).(*identity.Identity)
	return ident
}

func tokenFrom(ctx context.Context) string {
	raw, _ := ctx.Value(ContextKeyToken).(string)
	return raw
}
