package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", E(KindNotFound, "schedule 7 not found"), KindNotFound},
		{"wrapped", Wrap(KindProvider, errors.New("dial tcp"), "register"), KindProvider},
		{"fmt-wrapped", fmt.Errorf("outer: %w", E(KindConflict, "busy")), KindConflict},
		{"plain", errors.New("plain"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindProvider, nil, "register"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindTimeout, errors.New("context deadline exceeded"), "provider call")
	want := "timeout: provider call: context deadline exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(E(KindNotFound, "gone")) {
		t.Error("expected IsNotFound for not_found error")
	}
	if IsNotFound(E(KindConflict, "busy")) {
		t.Error("conflict should not be not_found")
	}
	if IsNotFound(nil) {
		t.Error("nil should not be not_found")
	}
}
