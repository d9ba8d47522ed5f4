package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorClassification tests the classification predicates
func TestErrorClassification(t *testing.T) {
	transient := NewTransientError("timeout", nil)
	conflict := NewConflictError("busy", nil)
	permanent := NewPermanentError("bad input", nil)

	if !IsTransient(transient) || IsTransient(conflict) || IsTransient(permanent) {
		t.Error("IsTransient misclassified")
	}
	if !IsConflict(conflict) || IsConflict(transient) {
		t.Error("IsConflict misclassified")
	}
	if !IsPermanent(permanent) || IsPermanent(transient) {
		t.Error("IsPermanent misclassified")
	}
	if !IsRetryable(transient) || !IsRetryable(conflict) || IsRetryable(permanent) {
		t.Error("IsRetryable misclassified")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors should not classify")
	}
}

// TestErrorWrapping tests unwrapping through fmt.Errorf chains
func TestErrorWrapping(t *testing.T) {
	inner := NewPermanentError("root cause", nil).WithCode(ErrCodeFingerprint)
	wrapped := fmt.Errorf("while doing work: %w", inner)

	if !IsPermanent(wrapped) {
		t.Error("classification should survive wrapping")
	}
	var e *EngineError
	if !errors.As(wrapped, &e) {
		t.Fatal("errors.As should find the engine error")
	}
	if e.Code != ErrCodeFingerprint {
		t.Errorf("expected code %s, got %s", ErrCodeFingerprint, e.Code)
	}
}

// TestErrorContext tests path and key context in messages
func TestErrorContext(t *testing.T) {
	err := NewTransientError("apply failed", errors.New("io")).
		WithPath("/a/b").WithKey("k1")

	msg := err.Error()
	for _, want := range []string{"transient", "apply failed", "/a/b", "k1", "io"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}
}
