package attention

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/karlvoss/adjutant/internal/transport"
)

// Policy is one ordered routing rule. Zero-valued scope fields match
// anything; a policy fires when every populated field matches.
type Policy struct {
	Name string `yaml:"name"`

	// Scope.
	SignalTypes   []string `yaml:"signal_types,omitempty"`   // exact, or prefix ending in '*'
	Sources       []string `yaml:"sources,omitempty"`        // notification source_component
	MinUrgency    *float64 `yaml:"min_urgency,omitempty"`
	MaxUrgency    *float64 `yaml:"max_urgency,omitempty"`
	MinConfidence *float64 `yaml:"min_confidence,omitempty"`
	MinCost       *float64 `yaml:"min_cost,omitempty"`
	MaxCost       *float64 `yaml:"max_cost,omitempty"`

	// Preference-flag scope.
	WhenAlwaysNotify bool `yaml:"when_always_notify,omitempty"`
	WhenQuietHours   bool `yaml:"when_quiet_hours,omitempty"`
	WhenDoNotDisturb bool `yaml:"when_do_not_disturb,omitempty"`

	// Outcome token: NOTIFY:channel, BATCH, DEFER, LOG_ONLY, ESCALATE:channel.
	Outcome string `yaml:"outcome"`
	Reason  string `yaml:"reason,omitempty"`
}

// Matches reports whether the policy's scope covers the envelope given the
// owner's preferences.
func (p *Policy) Matches(env *Envelope, prefs *Preferences) bool {
	if len(p.SignalTypes) > 0 && !matchesAny(p.SignalTypes, env.SignalType) {
		return false
	}
	if len(p.Sources) > 0 {
		if env.Notification == nil || !matchesAny(p.Sources, env.Notification.SourceComponent) {
			return false
		}
	}
	if p.MinUrgency != nil && env.Urgency < *p.MinUrgency {
		return false
	}
	if p.MaxUrgency != nil && env.Urgency >= *p.MaxUrgency {
		return false
	}
	if p.MinConfidence != nil && env.Confidence() < *p.MinConfidence {
		return false
	}
	if p.MinCost != nil && env.ChannelCost < *p.MinCost {
		return false
	}
	if p.MaxCost != nil && env.ChannelCost >= *p.MaxCost {
		return false
	}
	if p.WhenAlwaysNotify && !prefs.AlwaysNotifies(env.SignalType) {
		return false
	}
	if p.WhenQuietHours && !prefs.InQuietHours(env.Timestamp) {
		return false
	}
	if p.WhenDoNotDisturb && !prefs.DoNotDisturb {
		return false
	}
	return true
}

func matchesAny(patterns []string, v string) bool {
	for _, pat := range patterns {
		if pat == v {
			return true
		}
		if strings.HasSuffix(pat, "*") && strings.HasPrefix(v, strings.TrimSuffix(pat, "*")) {
			return true
		}
	}
	return false
}

// SplitOutcome breaks an outcome token into (outcome, channel). An unknown
// channel token collapses the whole token to LOG_ONLY.
func SplitOutcome(token string) (outcome, channel string) {
	parts := strings.SplitN(token, ":", 2)
	outcome = parts[0]
	switch outcome {
	case OutcomeNotify, OutcomeBatch, OutcomeDefer, OutcomeLogOnly, OutcomeEscalate:
	default:
		return OutcomeLogOnly, ""
	}
	if len(parts) == 2 {
		channel = parts[1]
		if !transport.KnownChannel(channel) {
			return OutcomeLogOnly, ""
		}
	}
	return outcome, channel
}

// PolicyProvider yields the ordered policy list. An error means the policy
// engine is unavailable and the router fails closed.
type PolicyProvider interface {
	Policies(ctx context.Context) ([]Policy, error)
}

// StaticPolicies is a fixed in-memory policy list.
type StaticPolicies []Policy

func (s StaticPolicies) Policies(ctx context.Context) ([]Policy, error) { return s, nil }

// DefaultPolicies is the built-in ordered policy pack: always-notify
// override, high urgency to signal, low-urgency high-cost to batch, quiet
// hours defer, do-not-disturb log-only for the non-urgent, and approval
// requests to signal.
func DefaultPolicies() []Policy {
	f := func(v float64) *float64 { return &v }
	return []Policy{
		{
			Name:             "always-notify-override",
			WhenAlwaysNotify: true,
			Outcome:          "NOTIFY:signal",
			Reason:           "always_notify",
		},
		{
			Name:       "high-urgency",
			MinUrgency: f(0.85),
			Outcome:    "NOTIFY:signal",
			Reason:     "high_urgency",
		},
		{
			Name:       "low-urgency-high-cost",
			MaxUrgency: f(0.4),
			MinCost:    f(0.7),
			Outcome:    OutcomeBatch,
			Reason:     "high_cost_low_urgency",
		},
		{
			Name:           "quiet-hours",
			WhenQuietHours: true,
			Outcome:        OutcomeDefer,
			Reason:         "quiet_hours",
		},
		{
			Name:             "do-not-disturb",
			WhenDoNotDisturb: true,
			MaxUrgency:       f(0.85),
			Outcome:          OutcomeLogOnly,
			Reason:           "do_not_disturb",
		},
		{
			Name:        "approval-request",
			SignalTypes: []string{"proposal.*"},
			Outcome:     "NOTIFY:signal",
			Reason:      "approval_request",
		},
	}
}

// LoadPolicyFile reads an ordered policy pack from a YAML file.
func LoadPolicyFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var doc struct {
		Policies []Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for i := range doc.Policies {
		if doc.Policies[i].Outcome == "" {
			return nil, fmt.Errorf("policy %q: outcome is required", doc.Policies[i].Name)
		}
	}
	return doc.Policies, nil
}
