package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrInvalidConfig     = errors.New("invalid service config")
	ErrUpstream          = errors.New("upstream call failed")
	ErrInvalidBackend    = errors.New("invalid backend")
	ErrWindowStoreAccess = errors.New("window store read/write error")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrTooManyProbes     = errors.New("too many requests in half-open state")
	ErrUnknownService    = errors.New("unknown service")
	ErrInvalidInput      = errors.New("invalid input")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}

// QuotaExceededError is returned by the rate limit wrapper when a window rejects a request.
// errors.Is(err, ErrQuotaExceeded) matches it.
type QuotaExceededError struct {
	Service    string
	Identifier string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s), retry after %ds", e.Service, e.Identifier, e.RetryAfterSeconds())
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// RetryAfterSeconds rounds the retry delay up to whole seconds.
func (e *QuotaExceededError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// StatusCode is the HTTP status of a rejected call.
func (e *QuotaExceededError) StatusCode() int { return 429 }

// UpstreamError carries the HTTP status of a failed call to an external API.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream returned %d", e.Service, e.Status)
	}
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Service, e.Status, e.Body)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

func (e *UpstreamError) StatusCode() int { return e.Status }
