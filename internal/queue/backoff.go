package queue

import (
	"sync"
	"time"
)

// Default retry schedule for failed drains.
const (
	DefaultRetryInitial = 5 * time.Second
	DefaultRetryMax     = 5 * time.Minute
)

// Backoff is an exponential retry schedule: Initial, 2*Initial, 4*Initial, ...
// capped at Max. It is safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	mu      sync.Mutex
	attempt int
}

// NewBackoff returns a schedule starting at initial and capped at max.
// Non-positive values fall back to the defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultRetryInitial
	}
	if max <= 0 {
		max = DefaultRetryMax
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay before the next retry and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Initial
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset restarts the schedule after a clean drain.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
