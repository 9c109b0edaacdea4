package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers wrapped around stage and service failures. The worker
// runtime classifies errors by these markers to decide retry, dead-letter,
// or cooperative-abort handling.
var (
	ErrValidation    = errors.New("validation error")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrTransient     = errors.New("transient failure")
	ErrTimeout       = errors.New("timeout")
	ErrCancelled     = errors.New("cancelled")
	ErrFatal         = errors.New("fatal error")
)

// Kind is the externally visible error classification. Raw error detail never
// crosses into job records or audit metadata; only the Kind and a trimmed
// summary do.
type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindQuota      Kind = "QUOTA_EXCEEDED"
	KindTransient  Kind = "TRANSIENT_ERROR"
	KindTimeout    Kind = "TIMEOUT_ERROR"
	KindCancelled  Kind = "CANCELLED"
	KindFatal      Kind = "FATAL_ERROR"
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to its Kind. Unrecognized errors are fatal: an
// unexpected failure must not loop through retries.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuota
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindFatal
	}
}

// Retryable reports whether a classification may be retried with backoff.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// Summary returns a short human-readable description safe to persist on the
// job record.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	message := strings.TrimSpace(err.Error())
	for _, marker := range []error{ErrValidation, ErrQuotaExceeded, ErrTransient, ErrTimeout, ErrCancelled, ErrFatal} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(message, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(message, prefix))
		}
	}
	return message
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
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
