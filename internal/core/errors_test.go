package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Kind:    KindValidation,
		Code:    "CODE",
		Message: "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Kind: KindValidation, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match kind and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Kind: KindRuntime, Code: "X", Message: "msg"}
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories_Retryability(t *testing.T) {
	tests := []struct {
		name      string
		err       *DomainError
		retryable bool
	}{
		{"validation", ErrValidation("C", "m"), true},
		{"config", ErrConfig("m"), false},
		{"prerequisites", ErrPrerequisitesNotMet("recon", []string{"pre-recon"}), false},
		{"filesystem", ErrFileSystem("m", nil), false},
		{"security", ErrSecurity("m"), false},
		{"lock contention", ErrLockContention("m"), true},
		{"runtime", ErrRuntime(CodeRuntimeFailed, "m", false), true},
		{"runtime fatal", ErrRuntime(CodeRuntimeFatal, "m", true), false},
		{"not found", ErrNotFound("unit", "x"), false},
		{"state", ErrState("C", "m"), false},
		{"timeout", ErrTimeout("m"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if IsRetryable(tt.err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", IsRetryable(tt.err), tt.retryable)
			}
		})
	}
}

func TestIsRetryable_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("attempt 2: %w", ErrValidation(CodeDeliverableInvalid, "bad queue"))
	if !IsRetryable(wrapped) {
		t.Fatalf("expected wrapped validation error to be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("expected non-domain error to be non-retryable")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(ErrLockContention("m")) != KindLockContention {
		t.Fatalf("expected lock_contention kind")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("expected internal kind for non-domain error")
	}
	if !IsKind(ErrPrerequisitesNotMet("x", nil), KindPrerequisites) {
		t.Fatalf("expected kind match")
	}
}
