package invalidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.AttemptsCount != 3 {
		t.Errorf("AttemptsCount = %d, want 3", config.AttemptsCount)
	}
	if config.Interval != time.Second {
		t.Errorf("Interval = %v, want 1s", config.Interval)
	}
}

func TestRetryFixed(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name       string
		attempts   int
		failFirst  int
		wantCalls  int
		wantSleeps int
		wantErr    bool
	}{
		{"success first try", 3, 0, 1, 0, false},
		{"success after two failures", 3, 2, 3, 2, false},
		{"always failing", 3, 100, 3, 2, true},
		{"single attempt", 1, 100, 1, 0, true},
		{"zero attempts still tries once", 0, 100, 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				calls  int
				sleeps []time.Duration
			)
			sleep := func(_ context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return nil
			}
			config := RetryConfig{AttemptsCount: tt.attempts, Interval: 100 * time.Millisecond}

			err := retryFixed(context.Background(), config, sleep, zerolog.Nop(), func() error {
				calls++
				if calls <= tt.failFirst {
					return boom
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("retryFixed() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && (!errors.Is(err, ErrRetryExhausted) || !errors.Is(err, boom)) {
				t.Errorf("error %v should wrap ErrRetryExhausted and the last error", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(sleeps) != tt.wantSleeps {
				t.Errorf("sleeps = %d, want %d", len(sleeps), tt.wantSleeps)
			}
			for _, d := range sleeps {
				if d != 100*time.Millisecond {
					t.Errorf("sleep = %v, want fixed 100ms", d)
				}
			}
		})
	}
}

func TestRetryFixed_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryFixed(ctx, RetryConfig{AttemptsCount: 5, Interval: time.Hour}, sleepContext, zerolog.Nop(), func() error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
