// Package reconnect retries a device session with exponential backoff.
//
// It is shared by the encoder pipeline and the controller serial ports: a
// session function runs until its device fails, and the loop opens it again
// after a growing delay.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config contains configuration for exponential backoff reconnection
type Config struct {
	// MaxRetries is the number of consecutive failures tolerated; 0 retries forever
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// StableAfter resets the retry counter when a session lasted this long
	StableAfter time.Duration
}

// DefaultConfig returns default reconnection configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
		StableAfter:   time.Minute,
	}
}

// State tracks reconnection attempts
type State struct {
	CurrentRetries int
	Reconnects     atomic.Uint32
}

// SessionFunc runs one device session. It returns nil when ctx is done
// and an error when the device failed.
type SessionFunc func(ctx context.Context) error

// ErrMaxRetries is returned when consecutive failures exceed MaxRetries
var ErrMaxRetries = errors.New("reconnect: max retries exceeded")

// Run executes session until ctx is cancelled, waiting with exponential
// backoff after each failure
//
// Backoff schedule with RetryDelay=1s, MaxRetryDelay=30s:
//   - Attempt 1: 1s
//   - Attempt 2: 2s
//   - Attempt 3: 4s
//   - Attempt 6+: 30s
func Run(ctx context.Context, name string, session SessionFunc, cfg Config, state *State) error {
	for {
		select {
		case <-ctx.Done():
			slog.Info(name+": context cancelled, stopping reconnection")
			return nil
		default:
		}

		started := time.Now()
		err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s: session ended", name)
		}

		if cfg.StableAfter > 0 && time.Since(started) >= cfg.StableAfter {
			Reset(state)
		}

		slog.Error(name+": session failed", "error", err)

		state.CurrentRetries++
		state.Reconnects.Add(1)

		if cfg.MaxRetries > 0 && state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("%s: %w (%d attempts): %v", name, ErrMaxRetries, cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)

		slog.Warn(name+": retrying",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			slog.Info(name + ": context cancelled during backoff")
			return nil
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay
func calculateBackoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// Reset clears the retry counter after a healthy session
func Reset(state *State) {
	state.CurrentRetries = 0
	slog.Debug("reconnect: state reset")
}
