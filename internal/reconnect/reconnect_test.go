package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := Config{RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestRunMaxRetries(t *testing.T) {
	cfg := Config{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}
	var state State
	calls := 0
	err := Run(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errors.New("device gone")
	}, cfg, &state)

	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Expected ErrMaxRetries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if state.Reconnects.Load() != 3 {
		t.Errorf("Expected 3 reconnects counted, got %d", state.Reconnects.Load())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var state State
	calls := 0
	err := Run(ctx, "test", func(ctx context.Context) error {
		calls++
		cancel()
		return nil
	}, DefaultConfig(), &state)

	if err != nil {
		t.Errorf("Expected nil on cancel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}
