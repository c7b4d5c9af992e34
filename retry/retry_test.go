package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// immediateTimer fires as soon as it is started and records requested
// delays.
type immediateTimer struct {
	ch     chan time.Time
	delays []time.Duration
}

func newImmediateTimer() *immediateTimer {
	return &immediateTimer{ch: make(chan time.Time, 1)}
}

func (t *immediateTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.ch <- time.Now()
}

func (t *immediateTimer) Stop() {}

func (t *immediateTimer) C() <-chan time.Time { return t.ch }

func TestSequence(t *testing.T) {
	s := NewSequence(time.Second, 2*time.Second, 4*time.Second)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, d := range want {
		if got := s.NextBackOff(); got != d {
			t.Errorf("delay %d = %v, want %v", i, got, d)
		}
	}
	if got := s.NextBackOff(); got != backoff.Stop {
		t.Errorf("exhausted sequence returned %v, want Stop", got)
	}

	s.Reset()
	if got := s.NextBackOff(); got != time.Second {
		t.Errorf("after Reset, first delay = %v, want 1s", got)
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	timer := newImmediateTimer()
	errFlaky := errors.New("flaky")

	attempts := 0
	err := DoNotifyTimer(context.Background(),
		[]time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		func() error {
			attempts++
			if attempts < 3 {
				return errFlaky
			}
			return nil
		}, nil, timer)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(timer.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", timer.delays, want)
	}
	for i := range want {
		if timer.delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, timer.delays[i], want[i])
		}
	}
}

func TestDo_Exhausted(t *testing.T) {
	timer := newImmediateTimer()
	errDown := errors.New("still down")

	attempts := 0
	err := DoNotifyTimer(context.Background(),
		[]time.Duration{time.Second, time.Second},
		func() error {
			attempts++
			return errDown
		}, nil, timer)
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want errDown", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestDo_PermanentStopsEarly(t *testing.T) {
	errBad := errors.New("bad request")

	attempts := 0
	err := Do(context.Background(), []time.Duration{time.Second},
		func() error {
			attempts++
			return backoff.Permanent(errBad)
		})
	if !errors.Is(err, errBad) {
		t.Fatalf("err = %v, want errBad", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_Notify(t *testing.T) {
	timer := newImmediateTimer()

	var notified []time.Duration
	attempts := 0
	err := DoNotifyTimer(context.Background(),
		[]time.Duration{time.Second, 2 * time.Second},
		func() error {
			attempts++
			if attempts < 2 {
				return errors.New("once")
			}
			return nil
		},
		func(err error, d time.Duration) { notified = append(notified, d) },
		timer)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(notified) != 1 || notified[0] != time.Second {
		t.Errorf("notified = %v, want [1s]", notified)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, []time.Duration{time.Hour}, func() error {
			return errors.New("always")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
