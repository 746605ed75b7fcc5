package feed

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrFeed matches every error returned by the feed client.
var ErrFeed = errors.New("transaction feed error")

// ProviderError is an application-level failure reported by the provider
// in a well-formed response (status "0" with a message in result).
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("feed provider error: %s", e.Message)
}

func (e *ProviderError) Is(target error) bool { return target == ErrFeed }

// TransportError covers everything between us and a parsed response:
// network failures, timeouts, non-2xx statuses and an open breaker.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("feed transport error: http status %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("feed transport error: %v", e.Err)
	default:
		return "feed transport error"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrFeed }

// ValidationError reports a response that does not match the record shape.
// Index is the offending record position, or -1 for the envelope.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("feed validation error: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("feed validation error: record %d: %s: %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrFeed }

// IsRateLimited reports an HTTP 429 or the provider's own
// "rate limit reached" result.
func IsRateLimited(err error) bool {
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && strings.Contains(strings.ToLower(pe.Message), "rate limit")
}
