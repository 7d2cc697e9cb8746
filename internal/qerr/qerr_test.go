package qerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain",
			err:  New(CodePlanFailed, "qualifier %q does not resolve", "gh"),
			want: `PLAN_FAILED: qualifier "gh" does not resolve`,
		},
		{
			name: "with source",
			err:  New(CodeSourceTimeout, "deadline exceeded").WithSource("github"),
			want: "SOURCE_TIMEOUT: deadline exceeded (source github)",
		},
		{
			name: "wrapped",
			err:  Wrap(CodeInternal, fmt.Errorf("boom"), "engine failed"),
			want: "INTERNAL: engine failed: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(CodeRateLimitExhausted, "empty"))
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "direct", err: New(CodeSourceError, "x"), want: CodeSourceError},
		{name: "wrapped", err: wrapped, want: CodeRateLimitExhausted},
		{name: "deadline", err: context.DeadlineExceeded, want: CodeSourceTimeout},
		{name: "unknown", err: errors.New("mystery"), want: CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	if !Transient(New(CodeRateLimitExhausted, "x")) {
		t.Error("rate limit should be transient")
	}
	if !Transient(New(CodeSourceTimeout, "x")) {
		t.Error("timeout should be transient")
	}
	if Transient(New(CodeSourceError, "x")) {
		t.Error("source error should not be transient")
	}
	if Transient(New(CodeEntitlementDenied, "x")) {
		t.Error("entitlement denial should not be transient")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(CodeInternal, cause, "wrapper")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
}

func TestRetryAfterPropagates(t *testing.T) {
	err := New(CodeRateLimitExhausted, "empty").WithRetryAfter(1500 * time.Millisecond)
	qe := AsError(fmt.Errorf("wrapped: %w", err))
	if qe.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 1.5s", qe.RetryAfter)
	}
}
