package dispatch

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		retry  int
		want   time.Duration
	}{
		{"none", RetryPolicy{Strategy: BackoffNone, BaseSeconds: 30}, 1, 0},
		{"fixed first", RetryPolicy{Strategy: BackoffFixed, BaseSeconds: 30}, 1, 30 * time.Second},
		{"fixed third", RetryPolicy{Strategy: BackoffFixed, BaseSeconds: 30}, 3, 30 * time.Second},
		{"exponential first", RetryPolicy{Strategy: BackoffExponential, BaseSeconds: 30}, 1, 30 * time.Second},
		{"exponential second", RetryPolicy{Strategy: BackoffExponential, BaseSeconds: 30}, 2, time.Minute},
		{"exponential fourth", RetryPolicy{Strategy: BackoffExponential, BaseSeconds: 30}, 4, 4 * time.Minute},
		{"clamped below one", RetryPolicy{Strategy: BackoffExponential, BaseSeconds: 30}, 0, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := tt.policy.Delay(tt.retry); got != tt.want {
			t.Errorf("%s: Delay(%d) = %v, want %v", tt.name, tt.retry, got, tt.want)
		}
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	if err := DefaultRetryPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	bad := []RetryPolicy{
		{Strategy: "jittered", BaseSeconds: 30, MaxAttempts: 3},
		{Strategy: BackoffFixed, BaseSeconds: -1, MaxAttempts: 3},
		{Strategy: BackoffFixed, BaseSeconds: 30, MaxAttempts: 0},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, p)
		}
	}
}

func TestRetryAt(t *testing.T) {
	finished := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	p := RetryPolicy{Strategy: BackoffExponential, BaseSeconds: 30, MaxAttempts: 3}
	want := finished.Add(time.Minute)
	if got := p.RetryAt(finished, 2); !got.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", got, want)
	}
}
