package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags a RevolutError. The set is closed.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindTokenExpired   ErrorKind = "token_expired"
	KindConsentExpired ErrorKind = "consent_expired"
	KindRateLimited    ErrorKind = "rate_limited"
	KindNetwork        ErrorKind = "network"
	KindValidation     ErrorKind = "validation"
	KindAPI            ErrorKind = "api"
)

// Sentinels for errors.Is. Token-expired and api errors also match ErrAuth.
var (
	ErrAuth           = &RevolutError{Kind: KindAuth}
	ErrTokenExpired   = &RevolutError{Kind: KindTokenExpired}
	ErrConsentExpired = &RevolutError{Kind: KindConsentExpired}
	ErrRateLimited    = &RevolutError{Kind: KindRateLimited}
	ErrNetwork        = &RevolutError{Kind: KindNetwork}
	ErrValidation     = &RevolutError{Kind: KindValidation}
)

var ErrNoActiveConnection = errors.New("no active Revolut connection")

// RevolutError is every failure raised by the token manager and the API executor.
type RevolutError struct {
	Kind    ErrorKind
	Code    string
	Message string
	// RetryAfter is set for rate limits when the server sent Retry-After.
	RetryAfter time.Duration
	Err        error
}

func (e *RevolutError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "revolut: " + msg
}

func (e *RevolutError) Unwrap() error { return e.Err }

// Is matches on kind so that callers can write errors.Is(err, ErrTokenExpired).
func (e *RevolutError) Is(target error) bool {
	t, ok := target.(*RevolutError)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindAuth && (e.Kind == KindTokenExpired || e.Kind == KindAPI)
}

func newAuthError(code, message string) *RevolutError {
	return &RevolutError{Kind: KindAuth, Code: code, Message: message}
}

func newTokenExpiredError(message string) *RevolutError {
	return &RevolutError{Kind: KindTokenExpired, Code: "token_expired", Message: message}
}

func newConsentExpiredError(code, message string) *RevolutError {
	if code == "" {
		code = "consent_expired"
	}
	return &RevolutError{Kind: KindConsentExpired, Code: code, Message: message}
}

func newRateLimitError(retryAfter time.Duration) *RevolutError {
	return &RevolutError{Kind: KindRateLimited, Code: "rate_limited", Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func newNetworkError(err error) *RevolutError {
	return &RevolutError{Kind: KindNetwork, Code: "network_error", Message: "request failed", Err: err}
}

func newAPIError(status int, code, message string) *RevolutError {
	if code == "" {
		code = "api_error"
	}
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", status)
	}
	return &RevolutError{Kind: KindAPI, Code: code, Message: message}
}

// NewValidationError reports malformed local input.
func NewValidationError(message string, err error) *RevolutError {
	return &RevolutError{Kind: KindValidation, Code: "validation_error", Message: message, Err: err}
}

// IsTokenExpired is the predicate used by WithRetry.
func IsTokenExpired(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsTerminal reports errors that need the user to reconnect the bank.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrConsentExpired)
}

// IsRetryable reports errors a caller may retry on its own schedule.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// RetryAfter returns the server hint carried by a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var re *RevolutError
	if errors.As(err, &re) && re.Kind == KindRateLimited && re.RetryAfter > 0 {
		return re.RetryAfter, true
	}
	return 0, false
}
