// Package routerctx carries the request-scoped router-active flag and the
// diagnostic recorder for bypass attempts.
//
// The attention router sets the flag immediately before invoking a transport
// driver and it vanishes with the request context. Transport drivers refuse
// to deliver when the flag is absent, so no code path can reach an outbound
// channel without going through the router.
package routerctx

import (
	"context"
	"sync"
	"time"
)

type ctxKey struct{}

// WithRouterActive marks ctx as inside the router's delivery step.
func WithRouterActive(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, true)
}

// IsRouterActive reports whether ctx carries the router-active flag.
func IsRouterActive(ctx context.Context) bool {
	active, _ := ctx.Value(ctxKey{}).(bool)
	return active
}

// Violation records one attempted delivery outside the router.
type Violation struct {
	Channel    string
	SignalRef  string
	Caller     string
	OccurredAt time.Time
}

// ViolationRecorder keeps an in-memory log of router bypass attempts.
// Diagnostics only; it is never consulted for routing decisions.
type ViolationRecorder struct {
	mu         sync.Mutex
	violations []Violation
	maxLen     int
}

// NewViolationRecorder creates a recorder keeping at most maxLen entries
// (0 = unbounded).
func NewViolationRecorder(maxLen int) *ViolationRecorder {
	return &ViolationRecorder{maxLen: maxLen}
}

// Record appends a violation.
func (r *ViolationRecorder) Record(v Violation) {
	if v.OccurredAt.IsZero() {
		v.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
	if r.maxLen > 0 && len(r.violations) > r.maxLen {
		r.violations = r.violations[len(r.violations)-r.maxLen:]
	}
}

// All returns a copy of the recorded violations.
func (r *ViolationRecorder) All() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Violation, len(r.violations))
	copy(out, r.violations)
	return out
}

// Count returns the number of recorded violations.
func (r *ViolationRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.violations)
}

// defaultRecorder is the process-wide recorder transports report into.
var defaultRecorder = NewViolationRecorder(1024)

// Default returns the process-wide violation recorder.
func Default() *ViolationRecorder { return defaultRecorder }
