package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kbforge/internal/services"
)

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// RetryAfter exposes the server's Retry-After hint to services.RetryAfter.
func (e *StatusError) RetryAfter() time.Duration { return e.retryAfter }

type emptyContentError struct {
	FinishReason string
	Refusal      string
	Snippet      string
}

func (e *emptyContentError) Error() string {
	return fmt.Sprintf("empty content (finish_reason=%q, refusal=%q, response_snippet=%s)",
		e.FinishReason, e.Refusal, e.Snippet)
}

type malformedResponseError struct {
	err     error
	snippet string
}

func (e *malformedResponseError) Error() string {
	return fmt.Sprintf("decode response: %v (snippet: %s)", e.err, e.snippet)
}

func (e *malformedResponseError) Unwrap() error { return e.err }

// classify tags err with the services marker that drives retry decisions:
// 408, 429, 5xx, network timeouts, empty or garbled responses are transient;
// 401, 403 and 404 mean the backend or model is misconfigured; other 4xx are
// validation failures. Context cancellation passes through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	marker := services.ErrFatal

	var statusErr *StatusError
	var netErr net.Error
	var urlErr *url.Error
	var emptyErr *emptyContentError
	var malformed *malformedResponseError
	switch {
	case errors.As(err, &statusErr):
		switch code := statusErr.StatusCode; {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
			marker = services.ErrTransient
		case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
			marker = services.ErrConfiguration
		default:
			marker = services.ErrValidation
		}
	case errors.Is(err, context.DeadlineExceeded):
		marker = services.ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		marker = services.ErrTimeout
	case errors.As(err, &urlErr):
		// Connection refused, reset, DNS failures.
		marker = services.ErrTransient
	case errors.As(err, &emptyErr), errors.As(err, &malformed):
		marker = services.ErrTransient
	}
	return services.Wrap(marker, "llm", op, "", err)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
