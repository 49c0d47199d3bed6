package server

import (
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

func toModel(t *trial.Trial) *models.Trial {
	if t == nil {
		return nil
	}
	m := &models.Trial{
		Number:    t.Number,
		Status:    models.TrialStatus(t.State),
		Params:    t.Params,
		Attrs:     t.Attrs,
		Labels:    t.Labels,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		m.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		m.CompletedAt = &completed
		if !t.StartedAt.IsZero() {
			m.Duration = completed.Sub(t.StartedAt)
		}
	}
	return m
}

func summarize(name string, all []*trial.Trial, best *trial.Trial, bestErr float64) *models.StudySummary {
	s := &models.StudySummary{Name: name, Total: len(all)}
	for _, t := range all {
		switch t.State {
		case trial.StateCompleted:
			s.Completed++
		case trial.StateFailed:
			s.Failed++
		case trial.StateRunning:
			s.Running++
		}
	}
	if best != nil {
		s.Best = toModel(best)
		s.BestError = bestErr
	}
	return s
}
