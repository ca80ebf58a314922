package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestPolicy_Do_SucceedsFirstTry(t *testing.T) {
	p := Policy{MaxRetries: 3, Delay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_Do_RetriesThenExhausts(t *testing.T) {
	// MaxRetries 2 means three attempts total, with linearly growing waits.
	p := Policy{MaxRetries: 2, Delay: time.Millisecond}
	var waits []time.Duration
	p.OnRetry = func(op string, attempt int, wait time.Duration, err error) {
		waits = append(waits, wait)
	}

	calls := 0
	quota := &QuotaError{Provider: "test", StatusCode: 429, Message: "slow down"}
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return quota
	})

	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", exhausted.Attempts)
	}
	if !errors.Is(err, quota) {
		t.Error("expected ExhaustedError to wrap the last failure")
	}

	want := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("expected %d waits, got %d", len(want), len(waits))
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d: expected %v, got %v", i, want[i], waits[i])
		}
	}
}

func TestPolicy_Do_NonRetryableFailsImmediately(t *testing.T) {
	p := Policy{MaxRetries: 5, Delay: time.Millisecond}
	calls := 0
	bad := &InvalidRequestError{Provider: "test", StatusCode: 401, Message: "bad key"}
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return bad
	})

	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	var invalid *InvalidRequestError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidRequestError, got %v", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("non-retryable failure must not be wrapped as exhaustion")
	}
}

func TestPolicy_Do_CustomPredicate(t *testing.T) {
	marker := fmt.Errorf("flaky")
	p := Policy{
		MaxRetries: 1,
		Delay:      time.Millisecond,
		Retryable:  func(err error) bool { return errors.Is(err, marker) },
	}

	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return marker
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestPolicy_Do_ContextCancelledDuringWait(t *testing.T) {
	p := Policy{MaxRetries: 3, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "op", func(context.Context) error {
			return &QuotaError{Provider: "test", StatusCode: 503}
		})
	}()

	// Let the first attempt fail and enter the wait, then cancel.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestPolicy_Do_ZeroRetriesSingleAttempt(t *testing.T) {
	p := Policy{MaxRetries: 0, Delay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &QuotaError{Provider: "test", StatusCode: 429}
	})
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
}

func TestDefaultRetryable_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"quota error", &QuotaError{Provider: "x", StatusCode: 429}, true},
		{"wrapped quota error", fmt.Errorf("call: %w", &QuotaError{StatusCode: 500}), true},
		{"invalid request", &InvalidRequestError{Provider: "x", StatusCode: 400}, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryable(tt.err); got != tt.want {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPacer_NilAndZeroInterval(t *testing.T) {
	var p *Pacer
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("nil pacer: unexpected error %v", err)
	}
	if err := NewPacer(0).Wait(context.Background()); err != nil {
		t.Errorf("zero interval: unexpected error %v", err)
	}
}

func TestPacer_SpacesCalls(t *testing.T) {
	p := NewPacer(20 * time.Millisecond)

	start := time.Now()
	for range 3 {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First call is immediate; the next two wait one interval each.
	if elapsed < 35*time.Millisecond {
		t.Errorf("expected at least ~40ms of pacing, got %v", elapsed)
	}
}

func TestPacer_CancelledWhileWaiting(t *testing.T) {
	p := NewPacer(time.Hour)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("first wait should be immediate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Wait(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}
