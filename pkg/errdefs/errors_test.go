package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIs(t *testing.T) {
	err := NewConfigurationError(CodeInvalidDistribution, "not a distribution", nil).
		WithParameter("gbar_Na")

	if !errors.Is(err, ErrInvalidDistribution) {
		t.Fatalf("expected errors.Is to match ErrInvalidDistribution")
	}
	if errors.Is(err, ErrDuplicateName) {
		t.Errorf("different code must not match")
	}

	wrapped := fmt.Errorf("set distribution: %w", err)
	if !errors.Is(wrapped, ErrInvalidDistribution) {
		t.Errorf("wrapped error should still match")
	}
	if !IsConfiguration(wrapped) {
		t.Errorf("IsConfiguration() = false, want true")
	}
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"model", NewModelError("boom", errors.New("x")), IsModelEvaluation},
		{"feature", NewFeatureError("spike_rate", errors.New("x")), IsFeatureEvaluation},
		{"shape", NewShapeError("direct", "lengths differ"), IsShapeMismatch},
		{"cancelled", NewCancelledError(errors.New("context canceled")), IsCancelled},
		{"configuration", Errorf(CodeUnknownFeature, "unknown feature %q", "foo"), IsConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("classifier returned false for %v", tt.err)
			}
		})
	}

	if ClassOf(errors.New("plain")) != "" {
		t.Errorf("plain errors have no class")
	}
}

func TestWithNodeCopiesAssignment(t *testing.T) {
	assignment := map[string]float64{"J_E": 3, "g": 5}
	err := NewModelError("model failed", errors.New("diverged")).WithNode(7, assignment)
	assignment["J_E"] = 100

	if err.Assignment["J_E"] != 3 {
		t.Errorf("assignment was not copied")
	}
	if err.Node == nil || *err.Node != 7 {
		t.Fatalf("node index not recorded")
	}

	msg := err.Error()
	for _, want := range []string{"node=7", "J_E=3", "g=5", "diverged"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestFormatAssignment(t *testing.T) {
	got := FormatAssignment(map[string]float64{"g": 4, "J_E": 2.5})
	want := "{J_E=2.5, g=4}"
	if got != want {
		t.Errorf("FormatAssignment() = %q, want %q", got, want)
	}
}
