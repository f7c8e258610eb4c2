// Package attention implements the single outbound gate. Every notification
// the system wants to send passes through Router.Route, which walks the
// assessment, policy, preference, rate-limit, escalation, and channel
// selection stages before delivering, batching, deferring, or logging.
package attention

import (
	"fmt"
	"strings"
	"time"

	"github.com/karlvoss/adjutant/internal/apperr"
)

// Decision outcomes. Final decisions carry the channel as a suffix, e.g.
// "NOTIFY:signal".
const (
	OutcomeNotify   = "NOTIFY"
	OutcomeBatch    = "BATCH"
	OutcomeDefer    = "DEFER"
	OutcomeLogOnly  = "LOG_ONLY"
	OutcomeEscalate = "ESCALATE"
)

// Severity levels used by escalation.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// ProvenanceInput is one element of the provenance trail.
type ProvenanceInput struct {
	InputType   string `json:"input_type" yaml:"input_type"`
	Reference   string `json:"reference" yaml:"reference"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Notification is the provenance-bearing descriptor inside an envelope.
type Notification struct {
	Version         int               `json:"version"`
	SourceComponent string            `json:"source_component"`
	OriginSignal    string            `json:"origin_signal"`
	Confidence      float64           `json:"confidence"`
	Provenance      []ProvenanceInput `json:"provenance"`
}

// SignalPayload is the optional message body carried by an envelope.
type SignalPayload struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Message string `json:"message"`
}

// Envelope is the structured payload the router consumes.
type Envelope struct {
	Version      int            `json:"version"`
	SignalType   string         `json:"signal_type"`
	SignalRef    string         `json:"signal_reference"`
	Actor        string         `json:"actor,omitempty"`
	Owner        string         `json:"owner"`
	ChannelHint  string         `json:"channel_hint,omitempty"`
	Urgency      float64        `json:"urgency"`
	ChannelCost  float64        `json:"channel_cost"`
	ContentType  string         `json:"content_type,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	DueAt        *time.Time     `json:"due_at,omitempty"`
	Payload      *SignalPayload `json:"signal_payload,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

// Validate rejects structurally invalid envelopes. A missing notification
// descriptor is not an error here; the router demotes those to LOG_ONLY.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.Owner) == "" {
		return apperr.E(apperr.KindValidation, "envelope: owner is required")
	}
	if strings.TrimSpace(e.SignalType) == "" {
		return apperr.E(apperr.KindValidation, "envelope: signal_type is required")
	}
	if strings.TrimSpace(e.SignalRef) == "" {
		return apperr.E(apperr.KindValidation, "envelope: signal_reference is required")
	}
	if e.Urgency < 0 || e.Urgency > 1 {
		return apperr.E(apperr.KindValidation, "envelope: urgency must be in [0,1]")
	}
	if e.ChannelCost < 0 || e.ChannelCost > 1 {
		return apperr.E(apperr.KindValidation, "envelope: channel_cost must be in [0,1]")
	}
	if e.Timestamp.IsZero() {
		return apperr.E(apperr.KindValidation, "envelope: timestamp is required")
	}
	return nil
}

// HasProvenance reports whether the envelope carries a usable descriptor.
func (e *Envelope) HasProvenance() bool {
	return e.Notification != nil && len(e.Notification.Provenance) > 0
}

// Confidence returns the descriptor confidence, 0 when absent.
func (e *Envelope) Confidence() float64 {
	if e.Notification == nil {
		return 0
	}
	return e.Notification.Confidence
}

// Severity maps the urgency score to an escalation level.
func (e *Envelope) Severity() string {
	return severityForUrgency(e.Urgency)
}

func severityForUrgency(u float64) string {
	switch {
	case u >= 0.85:
		return SeverityHigh
	case u >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// severityRank orders severities for the strictly-increased check.
func severityRank(s string) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// stepUp raises a severity by one level, capped at HIGH.
func stepUp(s string) string {
	switch s {
	case SeverityLow:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Decision is the persisted routing decision record.
type Decision struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	SignalRef  string    `json:"signal_reference"`
	SignalType string    `json:"signal_type"`
	Outcome    string    `json:"outcome"` // final decision string
	Channel    string    `json:"channel,omitempty"`
	Stage      string    `json:"stage"` // pipeline stage that fixed the outcome
	Reason     string    `json:"reason,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// FinalOutcome renders the decision string, e.g. "NOTIFY:signal".
func FinalOutcome(outcome, channel string) string {
	if channel == "" {
		return outcome
	}
	switch outcome {
	case OutcomeNotify, OutcomeEscalate:
		return outcome + ":" + channel
	}
	return outcome
}

// isActionableOutcome reports whether a history outcome counts against the
// rate limit window (NOTIFY* or ESCALATE*).
func isActionableOutcome(outcome string) bool {
	return strings.HasPrefix(outcome, OutcomeNotify) || strings.HasPrefix(outcome, OutcomeEscalate)
}

// HistoryRecord is one per-owner routed-signal log entry.
type HistoryRecord struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	SignalRef  string    `json:"signal_reference"`
	SignalType string    `json:"signal_type"`
	Outcome    string    `json:"outcome"`
	Channel    string    `json:"channel,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Preferences hold one owner's attention configuration.
type Preferences struct {
	Owner string `json:"owner" yaml:"owner"`

	// Quiet hours in the owner's day, "HH:MM" wall-clock UTC. A window may
	// wrap midnight (start > end). Empty strings disable quiet hours.
	QuietHoursStart string `json:"quiet_hours_start,omitempty" yaml:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty" yaml:"quiet_hours_end,omitempty"`

	DoNotDisturb bool `json:"do_not_disturb" yaml:"do_not_disturb"`

	// AlwaysNotify signal types bypass quiet hours, DND, and deferrals.
	AlwaysNotify []string `json:"always_notify,omitempty" yaml:"always_notify,omitempty"`

	// PreferredChannel overrides the default channel fallback order.
	PreferredChannel string `json:"preferred_channel,omitempty" yaml:"preferred_channel,omitempty"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// AlwaysNotifies reports whether signalType is an always-notify exception.
func (p *Preferences) AlwaysNotifies(signalType string) bool {
	for _, t := range p.AlwaysNotify {
		if t == signalType {
			return true
		}
	}
	return false
}

// InQuietHours reports whether t falls inside the owner's quiet hours.
func (p *Preferences) InQuietHours(t time.Time) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	start, ok1 := parseClock(p.QuietHoursStart)
	end, ok2 := parseClock(p.QuietHoursEnd)
	if !ok1 || !ok2 {
		return false
	}
	minute := t.UTC().Hour()*60 + t.UTC().Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// Window wraps midnight.
	return minute >= start || minute < end
}

func parseClock(v string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// ContextWindow is one interruptibility window on the owner's calendar.
type ContextWindow struct {
	ID            int64     `json:"id"`
	Owner         string    `json:"owner"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	Interruptible bool      `json:"interruptible"`
	Label         string    `json:"label,omitempty"`
}

// Covers reports whether t falls inside the window.
func (w *ContextWindow) Covers(t time.Time) bool {
	return !t.Before(w.StartsAt) && t.Before(w.EndsAt)
}

// EscalationRecord is one escalation log entry.
type EscalationRecord struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	SignalRef  string    `json:"signal_reference"`
	FromLevel  string    `json:"from_level"`
	ToLevel    string    `json:"to_level"`
	Trigger    string    `json:"trigger"` // ignored, deadline, severity_increase
	OccurredAt time.Time `json:"occurred_at"`
}

// Escalation triggers.
const (
	TriggerIgnored          = "ignored"
	TriggerDeadline         = "deadline"
	TriggerSeverityIncrease = "severity_increase"
)
