// Package clock provides the monotonic UTC time source and unique identifier
// generation used across the scheduler, dispatcher, and router.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock yields the current time. All services read time through a Clock so
// tests can pin it.
type Clock interface {
	Now() time.Time
}

// System is the production clock. Now always returns UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a settable clock for tests.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed creates a fixed clock pinned at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t.UTC()
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// NewTraceID returns a fresh trace identifier. One trace id threads through
// a callback, its execution, and every audit row they produce.
func NewTraceID() string { return uuid.NewString() }

// NewEvaluationID returns a fresh predicate evaluation identifier.
func NewEvaluationID() string { return uuid.NewString() }

// NewID returns a generic unique identifier.
func NewID() string { return uuid.NewString() }
