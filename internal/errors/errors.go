package errors

import (
	"errors"
	"fmt"
)

// Common error types for the chat gateway
var (
	// Handshake errors
	ErrHandshakeNotFound        = errors.New("handshake not found")
	ErrHandshakeExpired         = errors.New("handshake expired")
	ErrHandshakeAlreadyResolved = errors.New("handshake already resolved")

	// Identity errors
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityBlocked  = errors.New("identity is blocked")

	// Token errors
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenSubjectUnknown = errors.New("token subject unknown")
	ErrTokenRevoked        = errors.New("token revoked")

	// Quota errors
	ErrQuotaExceeded = errors.New("quota exceeded")

	// Conversation errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyMessage         = errors.New("message is empty")

	// Generation errors
	ErrGenerationFailed = errors.New("generation failed")
	ErrCircuitOpen      = errors.New("circuit breaker is open")

	// General errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrInternal       = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join combines errors, see errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}
