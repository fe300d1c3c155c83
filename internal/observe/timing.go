// Package observe records wall-clock timing for runs and steps.
package observe

import "time"

// Timing records start/end timestamps only.
type Timing struct {
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewTiming creates timing with the current start time.
func NewTiming() *Timing {
	return &Timing{
		StartedAt: time.Now(),
	}
}

// Complete records completion time. Only the first call counts.
func (t *Timing) Complete() {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}
}

// Done reports whether Complete was called.
func (t *Timing) Done() bool {
	return !t.CompletedAt.IsZero()
}

// Duration returns the elapsed time, up to now while still running.
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Measure times a single call.
func Measure(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}
