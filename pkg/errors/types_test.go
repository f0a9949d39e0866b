package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	base := New(KindTransientNetwork, "connection reset")
	wrapped := fmt.Errorf("extract failed: %w", base)

	if got := KindOf(wrapped); got != KindTransientNetwork {
		t.Fatalf("expected transient_network, got %s", got)
	}
	if !IsRetryable(wrapped) {
		t.Fatal("transient network errors should be retryable")
	}
}

func TestDefaultRetryClassification(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindValidation, false},
		{KindAuthentication, false},
		{KindSecondFactorExpired, false},
		{KindTransientNetwork, true},
		{KindTimeout, true},
		{KindNotFound, false},
		{KindPersistence, false},
		{KindAdapterShape, false},
	}
	for _, tc := range cases {
		if got := New(tc.kind, "x").Retryable; got != tc.retryable {
			t.Errorf("kind %s: retryable = %v, want %v", tc.kind, got, tc.retryable)
		}
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(KindTimeout, "deadline exceeded").WithRetryable(false)
	if IsRetryable(err) {
		t.Fatal("override should win over default classification")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil, KindPersistence, "save") != nil {
		t.Fatal("wrapping nil must return nil")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, KindPersistence, "save snapshot").WithContext("tenant", "clinic-a")
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
	if KindOf(err) != KindPersistence {
		t.Fatalf("expected persistence kind, got %s", KindOf(err))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Fatalf("expected internal for plain errors, got %s", got)
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
}
