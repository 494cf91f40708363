package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("redis down")
	err := NewError(ErrPublishFailed, "publish to agent-1 failed").WithCause(root)

	if GetErrorCode(err) != ErrPublishFailed {
		t.Fatalf("expected code %s, got %s", ErrPublishFailed, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected publish failures to be retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrStaleWrite, "version mismatch")
	wrapped := fmt.Errorf("set tasks:1: %w", inner)

	if !IsErrorCode(wrapped, ErrStaleWrite) {
		t.Fatalf("expected wrapped error to carry %s", ErrStaleWrite)
	}
	if IsErrorCode(wrapped, ErrLockTimeout) {
		t.Fatalf("unexpected code match")
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("stale writes are retryable by the caller")
	}
}

func TestError_DefaultRetryable(t *testing.T) {
	t.Parallel()

	cases := map[ErrorCode]bool{
		ErrUnroutableMessage: false,
		ErrChannelNotFound:   false,
		ErrPublishFailed:     true,
		ErrUnknownTaskType:   false,
		ErrStaleWrite:        true,
		ErrLockTimeout:       true,
		ErrTaskTimeout:       true,
	}
	for code, want := range cases {
		if got := NewError(code, "x").Retryable; got != want {
			t.Errorf("%s retryable = %v, want %v", code, got, want)
		}
	}

	if IsRetryable(errors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
	if GetErrorCode(nil) != "" {
		t.Fatalf("nil error has no code")
	}
}
