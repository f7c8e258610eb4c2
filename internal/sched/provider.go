package sched

import (
	"context"
	"sync"
	"time"
)

// TimerProvider is the pluggable adapter that mirrors schedule state into an
// external timer service. The provider fires callbacks back into the
// dispatch bridge when a run is due.
//
// Adapter failures roll back the surrounding transaction: the external timer
// and the schedule row must not diverge.
type TimerProvider interface {
	Register(ctx context.Context, s *Schedule) error
	Update(ctx context.Context, s *Schedule) error
	Pause(ctx context.Context, scheduleID int64) error
	Resume(ctx context.Context, s *Schedule) error
	Deregister(ctx context.Context, scheduleID int64) error

	// ScheduleCallback requests a one-shot callback at fireAt carrying
	// traceID. Used for retry scheduling and run-now.
	ScheduleCallback(ctx context.Context, scheduleID int64, fireAt time.Time, traceID string) error
}

// MemoryProvider is an in-process TimerProvider keeping registrations in a
// map. It backs tests and single-node deployments where an external timer
// service is not configured.
type MemoryProvider struct {
	mu        sync.Mutex
	active    map[int64]*Schedule
	paused    map[int64]bool
	callbacks []PendingCallback
}

// PendingCallback is a one-shot callback registration.
type PendingCallback struct {
	ScheduleID int64
	FireAt     time.Time
	TraceID    string
}

// NewMemoryProvider creates an empty in-process provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		active: make(map[int64]*Schedule),
		paused: make(map[int64]bool),
	}
}

func (p *MemoryProvider) Register(_ context.Context, s *Schedule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *s
	p.active[s.ID] = &cp
	delete(p.paused, s.ID)
	return nil
}

func (p *MemoryProvider) Update(_ context.Context, s *Schedule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *s
	p.active[s.ID] = &cp
	return nil
}

func (p *MemoryProvider) Pause(_ context.Context, scheduleID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[scheduleID] = true
	return nil
}

func (p *MemoryProvider) Resume(_ context.Context, s *Schedule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *s
	p.active[s.ID] = &cp
	delete(p.paused, s.ID)
	return nil
}

func (p *MemoryProvider) Deregister(_ context.Context, scheduleID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, scheduleID)
	delete(p.paused, scheduleID)
	return nil
}

func (p *MemoryProvider) ScheduleCallback(_ context.Context, scheduleID int64, fireAt time.Time, traceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, PendingCallback{ScheduleID: scheduleID, FireAt: fireAt, TraceID: traceID})
	return nil
}

// Registered reports whether a schedule is currently registered and unpaused.
func (p *MemoryProvider) Registered(scheduleID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[scheduleID]
	return ok && !p.paused[scheduleID]
}

// TakeDue removes and returns one-shot callbacks whose fire time has
// arrived. The daemon's timer loop drains these into the callback bridge.
func (p *MemoryProvider) TakeDue(now time.Time) []PendingCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	var due, rest []PendingCallback
	for _, cb := range p.callbacks {
		if !cb.FireAt.After(now) {
			due = append(due, cb)
		} else {
			rest = append(rest, cb)
		}
	}
	p.callbacks = rest
	return due
}

// PendingCallbacks returns a copy of the one-shot callback registrations.
func (p *MemoryProvider) PendingCallbacks() []PendingCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCallback, len(p.callbacks))
	copy(out, p.callbacks)
	return out
}
