package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnectorDelaySchedule(t *testing.T) {
	r := NewReconnector(ReconnectConfig{Base: 2 * time.Second, Max: 60 * time.Second})
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for k, expected := range want {
		if got := r.Delay(k + 1); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", k+1, got, expected)
		}
	}
}

func TestReconnectorRetriesThenSucceeds(t *testing.T) {
	r := NewReconnector(ReconnectConfig{Base: time.Millisecond, Max: 5 * time.Millisecond})
	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		r.ResetAttempts()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d", calls)
	}
	if r.Attempts() != 0 {
		t.Errorf("attempts after success = %d", r.Attempts())
	}
}

func TestReconnectorTerminalCauses(t *testing.T) {
	for _, cause := range []DisconnectCause{CauseLoggedOut, CauseForbidden} {
		r := NewReconnector(ReconnectConfig{Base: time.Millisecond, Max: time.Millisecond})
		calls := 0
		err := r.Run(context.Background(), func(context.Context) error {
			calls++
			return &DisconnectError{Cause: cause, Err: errors.New("nope")}
		})
		if err == nil {
			t.Fatalf("%s should end the run", cause)
		}
		if calls != 1 {
			t.Errorf("%s retried %d times, want no retries", cause, calls)
		}
	}
}

func TestReconnectorGivesUpAfterMaxAttempts(t *testing.T) {
	r := NewReconnector(ReconnectConfig{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3})
	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected give-up error")
	}
	if calls != 4 { // initial try + 3 retries
		t.Errorf("calls = %d", calls)
	}
}

func TestReconnectorHonorsContext(t *testing.T) {
	r := NewReconnector(ReconnectConfig{Base: time.Hour, Max: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := r.Run(ctx, func(context.Context) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}
