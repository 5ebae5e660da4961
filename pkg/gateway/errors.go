package gateway

import (
	"errors"
	"fmt"
)

// AuthErrorKind categorizes authentication and session failures.
type AuthErrorKind string

const (
	// AuthInvalidCredentials means the gateway rejected the login form.
	AuthInvalidCredentials AuthErrorKind = "INVALID_CREDENTIALS"
	// AuthSessionExpired means the session expired and the single re-login
	// retry also came back expired.
	AuthSessionExpired AuthErrorKind = "SESSION_EXPIRED"
	// AuthUnreachable means the transport could not complete the exchange.
	AuthUnreachable AuthErrorKind = "UNREACHABLE"
	// AuthProtocolMismatch means the response decoded, but not into the
	// shape a login success is expected to have.
	AuthProtocolMismatch AuthErrorKind = "PROTOCOL_MISMATCH"
)

// AuthError is the typed error returned by the session manager.
type AuthError struct {
	Kind      AuthErrorKind
	Operation string
	Cause     error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Operation, e.Cause.Error())
	}
	return fmt.Sprintf("%s error in %s", e.Kind, e.Operation)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches two AuthErrors by kind so callers can use errors.Is with a
// bare &AuthError{Kind: ...} sentinel.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func newAuthError(kind AuthErrorKind, operation string, cause error) *AuthError {
	return &AuthError{Kind: kind, Operation: operation, Cause: cause}
}

// IsAuthKind reports whether err is an AuthError of the given kind.
func IsAuthKind(err error, kind AuthErrorKind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}

// TransportError wraps a failed HTTP exchange. Retryable marks failures
// that are worth a bounded retry (timeouts, connection resets) as opposed
// to request construction errors.
type TransportError struct {
	Operation string
	Cause     error
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error in %s: %s", e.Operation, e.Cause.Error())
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// DecodeError reports a response body that could not be decoded into the
// expected record kind.
type DecodeError struct {
	Kind  RecordKind
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s record: %s", e.Kind, e.Cause.Error())
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
