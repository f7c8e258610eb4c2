package attention

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestPolicyMatches(t *testing.T) {
	ts := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	env := testEnvelope("sig:p-1", 0.5, ts)
	quiet := &Preferences{Owner: "karl", QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}
	none := &Preferences{Owner: "karl"}

	tests := []struct {
		name   string
		policy Policy
		prefs  *Preferences
		want   bool
	}{
		{"empty scope matches all", Policy{Outcome: "BATCH"}, none, true},
		{"exact signal type", Policy{SignalTypes: []string{"task.reminder"}, Outcome: "BATCH"}, none, true},
		{"prefix signal type", Policy{SignalTypes: []string{"task.*"}, Outcome: "BATCH"}, none, true},
		{"wrong signal type", Policy{SignalTypes: []string{"proposal.*"}, Outcome: "BATCH"}, none, false},
		{"source match", Policy{Sources: []string{"scheduler"}, Outcome: "BATCH"}, none, true},
		{"source mismatch", Policy{Sources: []string{"commitments"}, Outcome: "BATCH"}, none, false},
		{"min urgency pass", Policy{MinUrgency: f64(0.4), Outcome: "BATCH"}, none, true},
		{"min urgency fail", Policy{MinUrgency: f64(0.6), Outcome: "BATCH"}, none, false},
		{"max urgency exclusive", Policy{MaxUrgency: f64(0.5), Outcome: "BATCH"}, none, false},
		{"min confidence", Policy{MinConfidence: f64(0.95), Outcome: "BATCH"}, none, false},
		{"cost bounds", Policy{MinCost: f64(0.1), MaxCost: f64(0.5), Outcome: "BATCH"}, none, true},
		{"quiet hours flag on", Policy{WhenQuietHours: true, Outcome: "DEFER"}, quiet, true},
		{"quiet hours flag off", Policy{WhenQuietHours: true, Outcome: "DEFER"}, none, false},
		{"dnd flag", Policy{WhenDoNotDisturb: true, Outcome: "LOG_ONLY"}, none, false},
	}
	for _, tt := range tests {
		if got := tt.policy.Matches(env, tt.prefs); got != tt.want {
			t.Errorf("%s: Matches() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplitOutcome(t *testing.T) {
	tests := []struct {
		token       string
		wantOutcome string
		wantChannel string
	}{
		{"NOTIFY:signal", OutcomeNotify, "signal"},
		{"ESCALATE:web", OutcomeEscalate, "web"},
		{"BATCH", OutcomeBatch, ""},
		{"LOG_ONLY", OutcomeLogOnly, ""},
		{"NOTIFY:carrier-pigeon", OutcomeLogOnly, ""},
		{"SHOUT", OutcomeLogOnly, ""},
	}
	for _, tt := range tests {
		outcome, channel := SplitOutcome(tt.token)
		if outcome != tt.wantOutcome || channel != tt.wantChannel {
			t.Errorf("SplitOutcome(%q) = (%s, %s), want (%s, %s)",
				tt.token, outcome, channel, tt.wantOutcome, tt.wantChannel)
		}
	}
}

func TestFinalOutcome(t *testing.T) {
	if got := FinalOutcome(OutcomeNotify, "signal"); got != "NOTIFY:signal" {
		t.Errorf("FinalOutcome = %q, want NOTIFY:signal", got)
	}
	if got := FinalOutcome(OutcomeBatch, "signal"); got != OutcomeBatch {
		t.Errorf("FinalOutcome = %q, want BATCH", got)
	}
}

func TestInQuietHours(t *testing.T) {
	wrap := &Preferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}
	plain := &Preferences{QuietHoursStart: "12:00", QuietHoursEnd: "13:00"}

	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
	}
	tests := []struct {
		name  string
		prefs *Preferences
		t     time.Time
		want  bool
	}{
		{"wrap late night", wrap, at(23, 30), true},
		{"wrap early morning", wrap, at(6, 59), true},
		{"wrap midday", wrap, at(12, 0), false},
		{"wrap end boundary", wrap, at(7, 0), false},
		{"plain inside", plain, at(12, 30), true},
		{"plain outside", plain, at(13, 0), false},
		{"disabled", &Preferences{}, at(23, 0), false},
	}
	for _, tt := range tests {
		if got := tt.prefs.InQuietHours(tt.t); got != tt.want {
			t.Errorf("%s: InQuietHours = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSeverityForUrgency(t *testing.T) {
	tests := []struct {
		urgency float64
		want    string
	}{
		{0.9, SeverityHigh},
		{0.85, SeverityHigh},
		{0.5, SeverityMedium},
		{0.1, SeverityLow},
	}
	for _, tt := range tests {
		if got := severityForUrgency(tt.urgency); got != tt.want {
			t.Errorf("severityForUrgency(%v) = %q, want %q", tt.urgency, got, tt.want)
		}
	}

	if got := stepUp(SeverityLow); got != SeverityMedium {
		t.Errorf("stepUp(LOW) = %q, want MEDIUM", got)
	}
	if got := stepUp(SeverityHigh); got != SeverityHigh {
		t.Errorf("stepUp(HIGH) = %q, want HIGH", got)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	doc := `policies:
  - name: urgent-to-signal
    min_urgency: 0.8
    outcome: "NOTIFY:signal"
    reason: urgent
  - name: catch-all
    outcome: BATCH
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	policies, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile error: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("policy count = %d, want 2", len(policies))
	}
	if policies[0].Name != "urgent-to-signal" || *policies[0].MinUrgency != 0.8 {
		t.Errorf("first policy = %+v, want urgent-to-signal with min 0.8", policies[0])
	}

	// Outcome is mandatory.
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("policies:\n  - name: aimless\n"), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	if _, err := LoadPolicyFile(bad); err == nil {
		t.Error("expected error for a policy without an outcome")
	}
}
