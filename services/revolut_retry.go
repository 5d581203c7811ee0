package services

import (
	"context"
	"errors"
)

// DefaultMaxRetries is one refresh-and-retry per call site.
const DefaultMaxRetries = 1

// AccessTokenSource is the part of TokenManager the retry wrapper needs.
type AccessTokenSource interface {
	GetValidAccessToken(ctx context.Context, householdID string) (string, error)
	ForceRefresh(ctx context.Context, householdID, staleToken string) (string, error)
}

// tokenUnavailableError marks failures to obtain or rotate the access token,
// as opposed to failures of the wrapped call itself.
type tokenUnavailableError struct {
	err error
}

func (e *tokenUnavailableError) Error() string { return "access token unavailable: " + e.err.Error() }
func (e *tokenUnavailableError) Unwrap() error { return e.err }

// IsTokenUnavailable reports whether err came from token acquisition.
func IsTokenUnavailable(err error) bool {
	var te *tokenUnavailableError
	return errors.As(err, &te)
}

// WithRetry calls fn with a valid access token. If fn fails with a
// token-expired error and retries remain, the token is refreshed and fn is
// called again with the new token. Every other error propagates unchanged.
func WithRetry[T any](ctx context.Context, tokens AccessTokenSource, householdID string, maxRetries int, fn func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var zero T

	token, err := tokens.GetValidAccessToken(ctx, householdID)
	if err != nil {
		return zero, &tokenUnavailableError{err: err}
	}

	for {
		result, err := fn(ctx, token)
		if err == nil || !IsTokenExpired(err) || maxRetries <= 0 {
			return result, err
		}
		maxRetries--

		token, err = tokens.ForceRefresh(ctx, householdID, token)
		if err != nil {
			return zero, &tokenUnavailableError{err: err}
		}
	}
}
