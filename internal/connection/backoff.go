package connection

import "time"

// Default reconnect timings.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
)

// Backoff yields exponentially growing reconnect delays. It is not safe for
// concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff creates a backoff starting at initial and doubling up to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(b.max, b.next*2)
	return d
}

// Current returns the delay Next would return without advancing.
func (b *Backoff) Current() time.Duration { return b.next }

// Reset restarts the sequence after a successful open.
func (b *Backoff) Reset() { b.next = b.initial }
