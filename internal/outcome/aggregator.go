package outcome

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Recorder turns a joined trip table into named trial attributes
type Recorder interface {
	Name() string
	RecordOutcome(tab *Table, attrs map[string]float64) error
}

// Aggregator loads a trial's output tables and lets every recorder write
// its observed shares and errors.
type Aggregator struct {
	cols      Columns
	trips     string
	persons   string
	recorders []Recorder
}

// NewAggregator creates an aggregator. The table paths may contain the
// placeholder {output}, replaced by the trial output directory; relative
// paths are resolved against it.
func NewAggregator(cols Columns, trips, persons string, recorders ...Recorder) *Aggregator {
	return &Aggregator{cols: cols, trips: trips, persons: persons, recorders: recorders}
}

func resolve(template, outputDir string) string {
	if template == "" {
		return ""
	}
	p := strings.ReplaceAll(template, "{output}", outputDir)
	if !filepath.IsAbs(p) && !strings.Contains(template, "{output}") {
		p = filepath.Join(outputDir, p)
	}
	return p
}

// Aggregate computes the outcome attributes for the run in outputDir
func (a *Aggregator) Aggregate(ctx context.Context, outputDir string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tab, err := Load(resolve(a.trips, outputDir), resolve(a.persons, outputDir), a.cols)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcome tables: %w", err)
	}
	if len(tab.Records) == 0 {
		return nil, fmt.Errorf("%w: no usable trips in %s", ErrEmptyTable, outputDir)
	}

	attrs := make(map[string]float64)
	for _, r := range a.recorders {
		if err := r.RecordOutcome(tab, attrs); err != nil {
			return nil, fmt.Errorf("calibrator %s failed to record outcome: %w", r.Name(), err)
		}
	}
	return attrs, nil
}
