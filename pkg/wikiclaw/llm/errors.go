package llm

import (
	"context"
	"errors"
	"fmt"
)

// ---------- Error Classification ----------

// ErrorKind classifies invocation failures for failover decisions.
type ErrorKind int

const (
	KindFatal     ErrorKind = iota // anything not known to be transient
	KindTransient                  // rate limit, quota exhaustion, service unavailable
	KindCanceled                   // caller canceled or deadline exceeded
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var (
	// ErrAllCredentialsExhausted is matched by the error returned when every
	// credential failed transiently.
	ErrAllCredentialsExhausted = errors.New("llm: all credentials exhausted")
	// ErrNoCredentials is returned when an invoker is built without credentials.
	ErrNoCredentials = errors.New("llm: no credentials configured")
)

// Error is an invocation failure classified once by the backend.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Status     string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model request failed (%s, %d %s): %v", e.Kind, e.StatusCode, e.Status, e.Err)
	}
	return fmt.Sprintf("model request failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExhaustedError reports that every credential failed transiently. It
// matches ErrAllCredentialsExhausted and the last transient error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d credentials failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrAllCredentialsExhausted, e.Last}
}

// KindOf extracts the classification of err. Unclassified errors are fatal.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindFatal
}

// ClassifyStatus maps a provider status to an error kind. Only rate-limit,
// resource-exhaustion, and service-unavailable signatures are transient.
func ClassifyStatus(code int, status string) ErrorKind {
	switch status {
	case "RESOURCE_EXHAUSTED", "UNAVAILABLE":
		return KindTransient
	}
	switch code {
	case 429, 503:
		return KindTransient
	}
	return KindFatal
}
