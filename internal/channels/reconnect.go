package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reconnect backoff bounds.
const (
	ReconnectBase = 2 * time.Second
	ReconnectMax  = 60 * time.Second
)

// DisconnectCause classifies why a provider connection dropped. The
// terminal causes never trigger a reconnect.
type DisconnectCause string

const (
	CauseNetwork   DisconnectCause = "network"
	CauseLoggedOut DisconnectCause = "logged_out"
	CauseForbidden DisconnectCause = "forbidden"
)

// DisconnectError carries the cause alongside the underlying error.
type DisconnectError struct {
	Cause DisconnectCause
	Err   error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnected (%s): %v", e.Cause, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// Terminal reports whether the cause forbids reconnecting.
func (c DisconnectCause) Terminal() bool {
	return c == CauseLoggedOut || c == CauseForbidden
}

// ReconnectConfig bounds the retry behavior.
type ReconnectConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

// Reconnector re-runs an adapter's connect loop with exponential backoff.
// The attempt counter resets on every successful start, so a connection
// that held for a while earns a fresh backoff schedule when it drops.
type Reconnector struct {
	cfg     ReconnectConfig
	attempt int
}

// NewReconnector creates a reconnector with defaulted bounds.
func NewReconnector(cfg ReconnectConfig) *Reconnector {
	if cfg.Base <= 0 {
		cfg.Base = ReconnectBase
	}
	if cfg.Max <= 0 {
		cfg.Max = ReconnectMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconnector{cfg: cfg}
}

// Delay returns the wait before the k-th retry (1-based):
// min(base * 2^(k-1), max).
func (r *Reconnector) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.Max {
			return r.cfg.Max
		}
	}
	if d > r.cfg.Max {
		return r.cfg.Max
	}
	return d
}

// Run invokes connect until it returns nil (clean stop), a terminal
// disconnect cause, ctx cancellation, or the attempt budget runs out.
// connect blocks for the lifetime of one connection; its error describes
// why the connection ended.
func (r *Reconnector) Run(ctx context.Context, connect func(ctx context.Context) error) error {
	r.attempt = 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var dc *DisconnectError
		if errors.As(err, &dc) && dc.Cause.Terminal() {
			return err
		}

		r.attempt++
		if r.cfg.MaxAttempts > 0 && r.attempt > r.cfg.MaxAttempts {
			return fmt.Errorf("gave up after %d reconnect attempts: %w", r.cfg.MaxAttempts, err)
		}
		delay := r.Delay(r.attempt)
		r.cfg.Logger.Warn("connection lost, reconnecting",
			"attempt", r.attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ResetAttempts is called by adapters once a connection is established so
// the next drop starts from the base delay.
func (r *Reconnector) ResetAttempts() { r.attempt = 0 }

// Attempts returns the current consecutive failure count.
func (r *Reconnector) Attempts() int { return r.attempt }
