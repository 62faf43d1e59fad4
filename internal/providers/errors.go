package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrProviderNotFound is returned when no descriptor has the requested id
	ErrProviderNotFound = errors.New("provider not found")

	// ErrMalformedResponse is returned when a provider answers 2xx with an undecodable body
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrUnsupportedKind is returned by the factory for unknown variant tags
	ErrUnsupportedKind = errors.New("unsupported provider kind")
)

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 512

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the provider signalled throttling.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports whether err carries a provider rate-limit signal.
func IsRateLimited(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.RateLimited()
}

// RetryAfter returns the provider's Retry-After hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

func newStatusError(resp *http.Response, body []byte) *StatusError {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       text,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
