package study

import (
	"strings"
	"testing"

	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
)

func steps(errs ...float64) []Step {
	out := make([]Step, len(errs))
	for i, e := range errs {
		out[i] = Step{Trial: i, MeanError: e, MaxError: 2 * e}
	}
	return out
}

func TestErrorThreshold(t *testing.T) {
	tests := []struct {
		name    string
		max     float64
		history []Step
		want    bool
	}{
		{"empty history", 0.1, nil, false},
		{"disabled", 0, steps(0), false},
		{"above", 0.1, steps(0.2), false},
		{"at threshold", 0.1, steps(0.3, 0.05), true},
		{"only last counts", 0.1, steps(0.01, 0.3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ErrorThreshold{Max: tt.max}.Check(tt.history)
			if got != tt.want {
				t.Errorf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNoImprovement(t *testing.T) {
	c := NoImprovement{Patience: 2}
	if stop, _ := c.Check(steps(0.3, 0.2)); stop {
		t.Errorf("should not stop before patience trials exist")
	}
	if stop, _ := c.Check(steps(0.3, 0.2, 0.25)); stop {
		t.Errorf("best is only one trial old")
	}
	stop, reason := c.Check(steps(0.3, 0.2, 0.25, 0.21))
	if !stop {
		t.Fatalf("expected stop after two trials without improvement")
	}
	if !strings.Contains(reason, "best trial 1") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestPlateau(t *testing.T) {
	c := Plateau{Trials: 3, Tolerance: 0.01}
	if stop, _ := c.Check(steps(0.1, 0.1)); stop {
		t.Errorf("too few trials")
	}
	if stop, _ := c.Check(steps(0.5, 0.100, 0.105, 0.109)); !stop {
		t.Errorf("expected plateau over last three trials")
	}
	if stop, _ := c.Check(steps(0.100, 0.105, 0.120)); stop {
		t.Errorf("range exceeds tolerance")
	}
	if stop, _ := (Plateau{Trials: 1}).Check(steps(0.1)); stop {
		t.Errorf("a single trial is never a plateau")
	}
}

func TestAnyReportsFiringCriterion(t *testing.T) {
	a := Any{ErrorThreshold{Max: 0.01}, NoImprovement{Patience: 1}}
	stop, reason := a.Check(steps(0.1, 0.2))
	if !stop || !strings.HasPrefix(reason, "no_improvement: ") {
		t.Fatalf("Check() = %v, %q", stop, reason)
	}
	if stop, _ := (Any{}).Check(steps(0.1)); stop {
		t.Fatalf("empty Any never stops")
	}
}

func TestCriteriaFromConfig(t *testing.T) {
	if got := CriteriaFromConfig(config.Study{}); len(got) != 0 {
		t.Fatalf("expected no criteria, got %d", len(got))
	}
	got := CriteriaFromConfig(config.Study{StopError: 0.01, Patience: 4, PlateauTrials: 3, PlateauTolerance: 0.001})
	if len(got) != 3 {
		t.Fatalf("expected 3 criteria, got %d", len(got))
	}
}

func TestStepsSkipsTrialsWithoutErrors(t *testing.T) {
	history := []*trial.Trial{
		{Number: 0, Attrs: map[string]float64{"mean_error/a": 0.2, "max_error/a": 0.4, "mean_error/b": 0.1}},
		{Number: 1, Attrs: map[string]float64{}},
	}
	got := Steps(history)
	if len(got) != 1 {
		t.Fatalf("expected 1 step, got %d", len(got))
	}
	if got[0].MeanError != 0.2 || got[0].MaxError != 0.4 {
		t.Fatalf("unexpected step %+v", got[0])
	}
}
