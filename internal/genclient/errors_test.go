package genclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"rate limited", &StatusError{StatusCode: 429}, KindQuotaExhausted, false},
		{"payment required", &StatusError{StatusCode: 402}, KindQuotaExhausted, false},
		{"credit text", &StatusError{StatusCode: 400, Message: "Your credit balance is too low"}, KindQuotaExhausted, false},
		{"unauthorized", &StatusError{StatusCode: 401}, KindUnauthorized, false},
		{"forbidden", &StatusError{StatusCode: 403}, KindUnauthorized, false},
		{"gateway timeout", &StatusError{StatusCode: 504}, KindTimeout, true},
		{"request timeout", &StatusError{StatusCode: 408}, KindTimeout, true},
		{"overloaded", &StatusError{StatusCode: 529}, KindUnknown, true},
		{"server error", &StatusError{StatusCode: 500}, KindUnknown, true},
		{"bad request", &StatusError{StatusCode: 400}, KindMalformed, false},
		{"teapot", &StatusError{StatusCode: 418}, KindUnknown, false},
		{"bad json", &MalformedResponseError{Reason: "invalid JSON"}, KindMalformed, false},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, KindTimeout, true},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindUnknown, true},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout, true},
		{"canceled", fmt.Errorf("post: %w", context.Canceled), KindTimeout, false},
		{"api key text", errors.New("invalid x-api_key header"), KindUnauthorized, false},
		{"network text", errors.New("network is unreachable"), KindUnknown, true},
		{"anything else", errors.New("boom"), KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyNilAndIdempotent(t *testing.T) {
	assert.Nil(t, Classify(nil))

	first := Classify(&StatusError{StatusCode: 429})
	assert.Same(t, first, Classify(fmt.Errorf("wrapped: %w", first)))
}

func TestMessagesAreDistinct(t *testing.T) {
	seen := map[string]Kind{}
	for _, k := range []Kind{KindQuotaExhausted, KindTimeout, KindUnauthorized, KindMalformed, KindUnknown} {
		msg := MessageFor(k)
		if other, dup := seen[msg]; dup {
			t.Fatalf("%s and %s share a message", k, other)
		}
		seen[msg] = k
	}
}
