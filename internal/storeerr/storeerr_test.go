package storeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestContextKind(t *testing.T) {
	for _, err := range []error{context.Canceled, fmt.Errorf("query: %w", context.DeadlineExceeded)} {
		cls, ok := ContextKind(err)
		if !ok || cls.Kind != KindUnavailable {
			t.Fatalf("%v: expected unavailable, got %+v %v", err, cls, ok)
		}
	}
	if _, ok := ContextKind(errors.New("syntax error")); ok {
		t.Fatal("plain error should not classify as a context error")
	}
}

func TestUnavailableError(t *testing.T) {
	driver := errors.New("connection refused")
	err := fmt.Errorf("claim: %w", &UnavailableError{Op: "claim tasks", Err: driver})
	if !IsUnavailable(err) {
		t.Fatalf("expected wrapped unavailable error, got %v", err)
	}
	if !errors.Is(err, driver) {
		t.Fatal("expected driver error to unwrap")
	}
	if got := err.Error(); got != "claim: store unavailable: claim tasks: connection refused" {
		t.Fatalf("message = %q", got)
	}
	if IsUnavailable(driver) {
		t.Fatal("bare driver error is not an unavailable error")
	}
}
