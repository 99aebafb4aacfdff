package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	e := New(CategoryValidation, SeverityWarning, "goal is required")
	want := "validation (warning): goal is required"
	if e.Error() != want {
		t.Fatalf("expected %q got %q", want, e.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	e := Wrap(cause, CategoryTransient, SeverityError, "check poll failed")
	if !errors.Is(e, cause) {
		t.Fatalf("expected wrapped error to match cause")
	}
	if e.Retryable {
		t.Fatalf("Wrap should not mark retryable")
	}
	if !WrapRetryable(cause, CategoryTransient, SeverityError, "x").Retryable {
		t.Fatalf("WrapRetryable should mark retryable")
	}
}

func TestClassificationHelpers(t *testing.T) {
	e := TransientError("flaky remote")
	if !IsRetryable(e) {
		t.Fatalf("transient errors are retryable")
	}
	if !IsCategory(e, CategoryTransient) {
		t.Fatalf("expected transient category")
	}
	if GetCategory(fmt.Errorf("plain")) != CategoryInternal {
		t.Fatalf("plain errors classify as internal")
	}
}

func TestWithContext(t *testing.T) {
	e := ValidationError("empty goal").WithContext("request_id", "req-abc")
	if e.Context["request_id"] != "req-abc" {
		t.Fatalf("context field not stored")
	}
}
