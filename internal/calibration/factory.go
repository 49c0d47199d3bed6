package calibration

import (
	"fmt"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/constraint"
	"github.com/GoSim-25-26J-441/calibration-core/internal/lrate"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
)

// FromConfig reads the target file (and resume artifact, if any) and
// builds the calibrator declared by c.
func FromConfig(c config.Calibrator) (Calibrator, error) {
	targets, err := ReadTargets(c.Target)
	if err != nil {
		return nil, fmt.Errorf("calibrator %s: %w", c.Name, err)
	}
	return FromConfigTargets(c, targets)
}

// FromConfigTargets is FromConfig with targets already in memory
func FromConfigTargets(c config.Calibrator, targets Targets) (Calibrator, error) {
	opts, err := options(c)
	if err != nil {
		return nil, fmt.Errorf("calibrator %s: %w", c.Name, err)
	}

	switch Strategy(c.Kind) {
	case StrategyBase:
		return NewBase(c.Name, targets, opts...)
	case StrategyDistance:
		return NewDistance(c.Name, targets, opts...)
	case StrategyGroup:
		return NewGroup(c.Name, targets, opts...)
	default:
		return nil, fmt.Errorf("%w: calibrator %s: unknown kind %q", ErrConfiguration, c.Name, c.Kind)
	}
}

func options(c config.Calibrator) ([]Option, error) {
	opts := []Option{
		WithModes(c.Modes...),
		WithFixedMode(c.FixedMode),
		WithDistanceFixedMode(c.DistFixedMode),
		WithInitial(c.Initial),
		WithGroups(c.GroupAttrs...),
	}
	if c.CalibBase != "" {
		opts = append(opts, WithCalibBase(CalibBase(c.CalibBase)))
	}
	if c.CorrCorrection != 0 {
		opts = append(opts, WithCorrCorrection(c.CorrCorrection))
	}
	if c.Shape != "" {
		opts = append(opts, WithShape(artifact.Shape(c.Shape)))
	}

	if len(c.Constraints) > 0 {
		cs := make(map[string]constraint.Func, len(c.Constraints))
		for _, cc := range c.Constraints {
			f, err := constraint.FromSpec(constraint.Spec{Kind: cc.Kind, Lo: cc.Lo, Hi: cc.Hi})
			if err != nil {
				return nil, fmt.Errorf("%w: constraint %s: %v", ErrConfiguration, cc.Key, err)
			}
			cs[cc.Key] = f
		}
		opts = append(opts, WithConstraints(cs))
	}

	lr := c.LearningRate
	schedule, err := lrate.FromSpec(lrate.Spec{
		Kind:     lr.Kind,
		Value:    lr.Value,
		Start:    lr.Start,
		End:      lr.End,
		Interval: lr.Interval,
		Warmup:   lr.Warmup,
		Every:    lr.Every,
		Lookback: lr.Lookback,
		Throttle: lr.Throttle,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	opts = append(opts, WithSchedule(schedule))

	// reference distance is configured in km, outcome distances are in meters
	dist, err := lrate.DistanceFromSpec(c.DistanceRate.Kind, c.DistanceRate.ReferenceKM*1000)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if dist != nil {
		opts = append(opts, WithDistanceRate(dist))
	}

	if c.Resume != "" {
		doc, err := artifact.ReadFile(c.Resume)
		if err != nil {
			return nil, fmt.Errorf("%w: resume: %v", ErrConfiguration, err)
		}
		opts = append(opts, WithResume(doc))
	}
	return opts, nil
}
