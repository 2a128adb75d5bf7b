package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrPrecondition  = errors.New("precondition not met")
	ErrTransient     = errors.New("transient failure")
	ErrTimeout       = errors.New("timeout")
	ErrConfiguration = errors.New("configuration error")
	ErrFatal         = errors.New("fatal error")
	ErrNotFound      = errors.New("not found")
)

// Kind classifies a failure for retry decisions and task records.
type Kind string

const (
	KindNone          Kind = ""
	KindValidation    Kind = "validation"
	KindPrecondition  Kind = "precondition"
	KindTransient     Kind = "transient"
	KindTimeout       Kind = "timeout"
	KindConfiguration Kind = "configuration"
	KindFatal         Kind = "fatal"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrFatal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf maps an error to its taxonomy kind. Unmarked errors are fatal.
// A timeout is checked before the generic transient marker so callers can tell
// the two apart.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return KindValidation
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindFatal
	}
}

// Retryable reports whether the failure should be retried with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// RetryAfter extracts a server supplied retry hint, if any error in the chain
// carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
