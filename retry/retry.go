// Package retry runs bounded retry loops over fixed delay sequences.
package retry

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Sequence yields a fixed list of delays, one per retry, then stops. It
// implements backoff.BackOff, so it plugs into backoff.Retry directly. A
// Sequence with n delays allows n retries (n+1 attempts).
type Sequence struct {
	delays []time.Duration
	next   int
}

// NewSequence returns a Sequence over the given delays.
func NewSequence(delays ...time.Duration) *Sequence {
	return &Sequence{delays: delays}
}

// NextBackOff returns the next delay, or backoff.Stop once exhausted.
func (s *Sequence) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

// Reset rewinds the sequence for reuse.
func (s *Sequence) Reset() { s.next = 0 }

// Do runs op, sleeping through delays between failed attempts and stopping
// on context cancellation. Wrap an error with backoff.Permanent to stop
// retrying immediately.
func Do(ctx context.Context, delays []time.Duration, op backoff.Operation) error {
	return DoNotify(ctx, delays, op, nil)
}

// DoNotify is Do with a callback invoked before each retry with the failure
// and the upcoming delay.
func DoNotify(ctx context.Context, delays []time.Duration, op backoff.Operation, notify backoff.Notify) error {
	return DoNotifyTimer(ctx, delays, op, notify, nil)
}

// DoNotifyTimer is DoNotify with an injectable timer so tests can drive
// delay sequences without sleeping. A nil timer waits in real time.
func DoNotifyTimer(ctx context.Context, delays []time.Duration, op backoff.Operation, notify backoff.Notify, timer backoff.Timer) error {
	b := backoff.WithContext(NewSequence(delays...), ctx)
	return backoff.RetryNotifyWithTimer(op, b, notify, timer)
}
