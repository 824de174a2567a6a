package genclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies upstream failures
type Kind string

const (
	KindQuotaExhausted Kind = "quota_exhausted"
	KindTimeout        Kind = "timeout"
	KindUnauthorized   Kind = "unauthorized"
	KindMalformed      Kind = "malformed"
	KindUnknown        Kind = "unknown"
)

// Error is a classified generation failure
type Error struct {
	Kind       Kind
	Retryable  bool
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the text shown to end users for this failure
func (e *Error) Message() string {
	return MessageFor(e.Kind)
}

// MessageFor returns the user-facing text of a failure kind
func MessageFor(k Kind) string {
	switch k {
	case KindQuotaExhausted:
		return "The generation service has run out of credit. Please try again later."
	case KindTimeout:
		return "The generation service took too long to answer. Please try again."
	case KindUnauthorized:
		return "The generation service rejected our credentials."
	case KindMalformed:
		return "The generation service returned an unusable answer."
	default:
		return "The generation service is unavailable right now."
	}
}

// StatusError is returned by providers for non-2xx responses
type StatusError struct {
	StatusCode int
	Type       string // provider error type, e.g. "rate_limit_error"
	Message    string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream returned %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// MalformedResponseError is returned when a 2xx response cannot be used
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response: %s: %v", e.Reason, e.Err)
	}
	return "malformed response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ErrEmptyCompletion is wrapped when the provider returns no text
var ErrEmptyCompletion = errors.New("empty completion")

// ErrCountUnsupported is returned by providers without a token counting endpoint
var ErrCountUnsupported = errors.New("token counting not supported")

// Classify maps any provider error onto the failure taxonomy.
// It returns nil for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	// Caller cancellation is final
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Retryable: true, Err: err}
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se, err)
	}

	var me *MalformedResponseError
	if errors.As(err, &me) {
		return &Error{Kind: KindMalformed, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &Error{Kind: KindTimeout, Retryable: true, Err: err}
		}
		return &Error{Kind: KindUnknown, Retryable: true, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return &Error{Kind: KindTimeout, Retryable: true, Err: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api_key"):
		return &Error{Kind: KindUnauthorized, Err: err}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return &Error{Kind: KindUnknown, Retryable: true, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}

func classifyStatus(se *StatusError, err error) *Error {
	e := &Error{StatusCode: se.StatusCode, Err: err}
	text := strings.ToLower(se.Type + " " + se.Message)

	switch {
	case se.StatusCode == http.StatusTooManyRequests,
		se.StatusCode == http.StatusPaymentRequired,
		strings.Contains(text, "credit"),
		strings.Contains(text, "billing"),
		strings.Contains(text, "insufficient_quota"):
		e.Kind = KindQuotaExhausted
	case se.StatusCode == http.StatusUnauthorized, se.StatusCode == http.StatusForbidden:
		e.Kind = KindUnauthorized
	case se.StatusCode == http.StatusRequestTimeout, se.StatusCode == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
		e.Retryable = true
	case se.StatusCode >= 500:
		// includes 529 overloaded
		e.Kind = KindUnknown
		e.Retryable = true
	case se.StatusCode == http.StatusBadRequest,
		se.StatusCode == http.StatusNotFound,
		se.StatusCode == http.StatusRequestEntityTooLarge,
		se.StatusCode == http.StatusUnprocessableEntity:
		e.Kind = KindMalformed
	default:
		e.Kind = KindUnknown
	}
	return e
}
