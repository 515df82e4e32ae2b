package errors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindValidation, "validation"},
		{KindConflict, "conflict"},
		{KindTransientStore, "transient_store"},
		{KindFatalStore, "fatal_store"},
		{KindTimeout, "timeout"},
		{KindDelivery, "delivery"},
		{KindHandler, "handler"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind(%d).String() = %s, want %s", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestKindRoundTrip(t *testing.T) {
	kinds := []Kind{
		KindValidation, KindConflict, KindTransientStore,
		KindFatalStore, KindTimeout, KindDelivery, KindHandler,
	}
	for _, k := range kinds {
		if got := KindFromString(k.String()); got != k {
			t.Errorf("KindFromString(%q) = %s, want %s", k.String(), got, k)
		}
	}

	if got := KindFromString("totally made up"); got != KindHandler {
		t.Errorf("unknown name = %s, want handler", got)
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil error", nil, KindHandler},
		{"validation", &ValidationError{Message: "missing eventType"}, KindValidation},
		{"conflict", &ConflictError{Key: "prod-1", Message: "insufficient stock"}, KindConflict},
		{"transient store", &StoreError{Op: "append", Err: errors.New("busy"), Transient: true}, KindTransientStore},
		{"fatal store", &StoreError{Op: "append", Err: errors.New("corrupt")}, KindFatalStore},
		{"timeout", &TimeoutError{Operation: "await", Budget: time.Second}, KindTimeout},
		{"delivery", &DeliveryError{Topic: "order.created", Err: errors.New("broker down")}, KindDelivery},
		{"handler", &HandlerError{Handler: "projector", Err: errors.New("boom")}, KindHandler},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"context canceled", context.Canceled, KindTimeout},
		{"pre-classified failure", &Failure{Kind: KindConflict, Message: "x"}, KindConflict},
		{"wrapped validation", &HandlerError{Handler: "h", Err: errors.New("x")}, KindHandler},
		{"unknown error", errors.New("unknown"), KindHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&StoreError{Op: "put", Err: errors.New("locked"), Transient: true}) {
		t.Error("transient store error should be retryable")
	}
	if !IsRetryable(&DeliveryError{Topic: "t", Err: errors.New("down")}) {
		t.Error("delivery error should be retryable")
	}
	if IsRetryable(&ConflictError{Message: "insufficient stock"}) {
		t.Error("conflict should not be retryable")
	}
	if IsRetryable(&ValidationError{Message: "bad"}) {
		t.Error("validation should not be retryable")
	}
	if IsRetryable(&StoreError{Op: "put", Err: errors.New("corrupt")}) {
		t.Error("fatal store error should not be retryable")
	}
}

func TestIsRejection(t *testing.T) {
	if !IsRejection(&ValidationError{Message: "bad"}) {
		t.Error("validation is a rejection")
	}
	if !IsRejection(&ConflictError{Message: "taken"}) {
		t.Error("conflict is a rejection")
	}
	if IsRejection(&TimeoutError{Operation: "x", Budget: time.Second}) {
		t.Error("timeout is not a rejection")
	}
}

func TestFailure(t *testing.T) {
	t.Run("error message with attempts", func(t *testing.T) {
		f := &Failure{Kind: KindDelivery, Message: "broker down", Attempts: 5}
		expected := "broker down (kind: delivery, attempts: 5)"
		if got := f.Error(); got != expected {
			t.Errorf("Error() = %q, want %q", got, expected)
		}
	})

	t.Run("error message without attempts", func(t *testing.T) {
		f := &Failure{Kind: KindConflict, Message: "insufficient stock"}
		if got := f.Error(); got != "insufficient stock (kind: conflict)" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner error")
		f := NewFailure(KindHandler, inner)
		if !errors.Is(f, inner) {
			t.Error("Unwrap should return inner error")
		}
	})

	t.Run("as failure passthrough", func(t *testing.T) {
		f := &Failure{Kind: KindTimeout, Message: "late"}
		if got := AsFailure(f); got != f {
			t.Error("AsFailure should return the existing failure")
		}
	})

	t.Run("as failure categorizes", func(t *testing.T) {
		f := AsFailure(&ConflictError{Key: "k", Message: "taken"})
		if f.Kind != KindConflict {
			t.Errorf("Kind = %s, want conflict", f.Kind)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if AsFailure(nil) != nil {
			t.Error("AsFailure(nil) should be nil")
		}
	})
}

func TestFailureEncodeDecode(t *testing.T) {
	f := &Failure{
		Kind:     KindHandler,
		Message:  "projector panicked",
		EventID:  "evt-1",
		SagaID:   "saga-9",
		StepName: "reserve-stock",
		Attempts: 3,
	}

	decoded := DecodeFailure(f.Encode())
	if decoded.Kind != KindHandler || decoded.Message != f.Message {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.EventID != "evt-1" || decoded.SagaID != "saga-9" || decoded.StepName != "reserve-stock" {
		t.Errorf("decoded IDs = %+v", decoded)
	}
	if decoded.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", decoded.Attempts)
	}

	t.Run("kind encodes as string", func(t *testing.T) {
		var raw map[string]any
		if err := json.Unmarshal([]byte(f.Encode()), &raw); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if raw["kind"] != "handler" {
			t.Errorf("kind = %v, want handler", raw["kind"])
		}
	})

	t.Run("free-form text", func(t *testing.T) {
		decoded := DecodeFailure("plain old error text")
		if decoded.Kind != KindHandler || decoded.Message != "plain old error text" {
			t.Errorf("decoded = %+v", decoded)
		}
	})
}

func TestWithRetry(t *testing.T) {
	t.Run("success on first try", func(t *testing.T) {
		calls := 0
		cfg := NewRetryConfig(WithMaxAttempts(3))
		result := WithRetry(cfg, func() (string, error) {
			calls++
			return "success", nil
		})

		if result.Err != nil {
			t.Errorf("Unexpected error: %v", result.Err)
		}
		if result.Value != "success" {
			t.Errorf("Value = %q, want %q", result.Value, "success")
		}
		if result.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", result.Attempts)
		}
		if calls != 1 {
			t.Errorf("Calls = %d, want 1", calls)
		}
	})

	t.Run("success on retry", func(t *testing.T) {
		calls := 0
		cfg := NewRetryConfig(
			WithMaxAttempts(3),
			WithInitialBackoff(1*time.Millisecond),
		)
		result := WithRetry(cfg, func() (string, error) {
			calls++
			if calls < 2 {
				return "", &StoreError{Op: "append", Err: errors.New("busy"), Transient: true}
			}
			return "success", nil
		})

		if result.Err != nil {
			t.Errorf("Unexpected error: %v", result.Err)
		}
		if result.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", result.Attempts)
		}
	})

	t.Run("max attempts exceeded", func(t *testing.T) {
		cfg := NewRetryConfig(
			WithMaxAttempts(3),
			WithInitialBackoff(1*time.Millisecond),
		)
		result := WithRetry(cfg, func() (string, error) {
			return "", &StoreError{Op: "append", Err: errors.New("busy"), Transient: true}
		})

		if result.Err == nil {
			t.Error("Expected error after max attempts")
		}
		if result.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", result.Attempts)
		}

		var f *Failure
		if !errors.As(result.Err, &f) {
			t.Fatal("final error should be a *Failure")
		}
		if f.Attempts != 3 {
			t.Errorf("failure Attempts = %d, want 3", f.Attempts)
		}
		if f.Kind != KindTransientStore {
			t.Errorf("failure Kind = %s, want transient_store", f.Kind)
		}
	})

	t.Run("conflict stops immediately", func(t *testing.T) {
		calls := 0
		cfg := NewRetryConfig(WithMaxAttempts(3))
		result := WithRetry(cfg, func() (string, error) {
			calls++
			return "", &ConflictError{Key: "prod-1", Message: "insufficient stock"}
		})

		if result.Err == nil {
			t.Error("Expected error")
		}
		if calls != 1 {
			t.Errorf("Calls = %d, want 1 (should not retry conflict)", calls)
		}
	})

	t.Run("custom retryable func", func(t *testing.T) {
		calls := 0
		cfg := NewRetryConfig(
			WithMaxAttempts(3),
			WithInitialBackoff(1*time.Millisecond),
			WithRetryableFunc(func(_ error) bool { return true }), // retry everything
		)
		result := WithRetry(cfg, func() (string, error) {
			calls++
			return "", &ConflictError{Message: "taken"}
		})

		if calls != 3 {
			t.Errorf("Calls = %d, want 3 (custom func should retry)", calls)
		}
		if result.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", result.Attempts)
		}
	})

	t.Run("original failure untouched", func(t *testing.T) {
		shared := &Failure{Kind: KindDelivery, Message: "down"}
		cfg := NewRetryConfig(
			WithMaxAttempts(2),
			WithInitialBackoff(1*time.Millisecond),
		)
		WithRetry(cfg, func() (string, error) {
			return "", shared
		})
		if shared.Attempts != 0 {
			t.Errorf("shared failure mutated: Attempts = %d", shared.Attempts)
		}
	})
}

func TestWithRetryContext(t *testing.T) {
	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // cancel immediately

		cfg := NewRetryConfig(WithMaxAttempts(3))
		result := WithRetryContext(ctx, cfg, func(_ context.Context) (string, error) {
			return "never reached", nil
		})

		if result.Err == nil {
			t.Error("Expected error from cancelled context")
		}
		if Categorize(result.Err) != KindTimeout {
			t.Errorf("kind = %s, want timeout", Categorize(result.Err))
		}
	})

	t.Run("cancellation during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		cfg := NewRetryConfig(
			WithMaxAttempts(5),
			WithInitialBackoff(100*time.Millisecond),
		)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		result := WithRetryContext(ctx, cfg, func(_ context.Context) (string, error) {
			calls++
			return "", &StoreError{Op: "put", Err: errors.New("busy"), Transient: true}
		})

		if result.Err == nil {
			t.Error("Expected error from cancelled context")
		}
		if calls > 2 {
			t.Errorf("Calls = %d, expected <= 2 (should cancel during backoff)", calls)
		}
	})
}

func TestNewRetryConfig(t *testing.T) {
	cfg := NewRetryConfig(
		WithMaxAttempts(5),
		WithInitialBackoff(2*time.Second),
		WithMaxBackoff(60*time.Second),
		WithBackoffFactor(3.0),
		WithJitter(0.2),
	)

	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != 2*time.Second {
		t.Errorf("InitialBackoff = %v, want 2s", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 60*time.Second {
		t.Errorf("MaxBackoff = %v, want 60s", cfg.MaxBackoff)
	}
	if cfg.BackoffFactor != 3.0 {
		t.Errorf("BackoffFactor = %f, want 3.0", cfg.BackoffFactor)
	}
	if cfg.Jitter != 0.2 {
		t.Errorf("Jitter = %f, want 0.2", cfg.Jitter)
	}
}
