package core

import "testing"

func TestPhase_Order(t *testing.T) {
	tests := []struct {
		phase PhaseName
		want  int
	}{
		{PhasePreRecon, 0},
		{PhaseRecon, 1},
		{PhaseVulnAnalysis, 2},
		{PhaseExploitation, 3},
		{PhaseReporting, 4},
		{"invalid", -1},
	}
	for _, tt := range tests {
		if got := PhaseOrder(tt.phase); got != tt.want {
			t.Errorf("PhaseOrder(%q) = %d, want %d", tt.phase, got, tt.want)
		}
	}
}

func TestPhase_Validation(t *testing.T) {
	for _, phase := range AllPhases() {
		if !ValidPhase(phase) {
			t.Fatalf("expected phase %s to be valid", phase)
		}
		if phase.Description() == "Unknown phase" {
			t.Errorf("phase %s has no description", phase)
		}
	}
	if ValidPhase("invalid") {
		t.Fatalf("expected invalid phase to be rejected")
	}
}

func TestPhase_Parse(t *testing.T) {
	p, err := ParsePhase("exploitation")
	if err != nil {
		t.Fatalf("unexpected error parsing phase: %v", err)
	}
	if p != PhaseExploitation {
		t.Fatalf("expected exploitation phase, got %s", p)
	}
	if _, err := ParsePhase("execute"); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}
