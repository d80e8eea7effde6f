package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pscheid92/relay/internal/platform/retry"
)

var fastPolicy = retry.Policy{
	MaxAttempts:      3,
	InitialBackoff:   1 * time.Millisecond,
	RateLimitBackoff: 5 * time.Millisecond,
}

type throttled struct{ wait time.Duration }

func (t throttled) Error() string             { return "throttled" }
func (t throttled) RetryAfter() time.Duration { return t.wait }

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 || val != 42 {
		t.Fatalf("expected 3 calls and 42, got %d calls and %d", calls, val)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy, alwaysStop, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, permanent
	})
	var permErr *retry.PermanentError
	if !errors.As(err, &permErr) {
		t.Fatalf("expected PermanentError, got %T: %v", err, err)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	underlying := errors.New("transient")
	calls := 0
	_, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, underlying
	})
	if !errors.Is(err, underlying) {
		t.Fatalf("expected wrapped underlying error, got %v", err)
	}
	if calls != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d calls, got %d", fastPolicy.MaxAttempts, calls)
	}
}

func TestDo_InvalidPolicy(t *testing.T) {
	calls := 0
	err := retry.DoVoid(context.Background(), retry.Policy{}, alwaysRetry, func(context.Context) error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected error for zero MaxAttempts")
	}
	if calls != 0 {
		t.Fatalf("expected no calls, got %d", calls)
	}
}

func TestDo_RateLimitBackoff(t *testing.T) {
	tests := []struct {
		name string
		err  error
		max  time.Duration
		want time.Duration
	}{
		{"policy default", errors.New("rate limited"), 0, 5 * time.Millisecond},
		{"error hint", throttled{wait: 2 * time.Millisecond}, 0, 2 * time.Millisecond},
		{"hint capped", throttled{wait: time.Hour}, 3 * time.Millisecond, 3 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var observed time.Duration
			p := retry.Policy{
				MaxAttempts:      2,
				InitialBackoff:   1 * time.Millisecond,
				MaxBackoff:       tt.max,
				RateLimitBackoff: 5 * time.Millisecond,
				OnRetry:          func(_ int, _ error, backoff time.Duration) { observed = backoff },
			}
			classify := func(error) retry.Action { return retry.After }

			_ = retry.DoVoid(context.Background(), p, classify, func(context.Context) error { return tt.err })

			if observed != tt.want {
				t.Fatalf("expected backoff %v, got %v", tt.want, observed)
			}
		})
	}
}

func TestDo_ExponentialBackoff(t *testing.T) {
	var observed []time.Duration
	p := retry.Policy{
		MaxAttempts:    4,
		InitialBackoff: 1 * time.Millisecond,
		OnRetry:        func(_ int, _ error, backoff time.Duration) { observed = append(observed, backoff) },
	}

	_ = retry.DoVoid(context.Background(), p, alwaysRetry, func(context.Context) error { return errors.New("fail") })

	expected := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(observed) != len(expected) {
		t.Fatalf("expected %d OnRetry calls, got %d", len(expected), len(observed))
	}
	for i, v := range expected {
		if observed[i] != v {
			t.Fatalf("retry %d: expected %v, got %v", i, v, observed[i])
		}
	}
}

func TestDo_ContextCancellationDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   10 * time.Second,
		RateLimitBackoff: 10 * time.Second,
	}

	calls := 0
	_, err := retry.Do(ctx, p, alwaysRetry, func(context.Context) (struct{}, error) {
		calls++
		cancel()
		return struct{}{}, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", calls)
	}
}

func alwaysRetry(error) retry.Action { return retry.Retry }
func alwaysStop(error) retry.Action  { return retry.Stop }
