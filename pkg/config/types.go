package config

import "time"

// Config represents the calibration configuration
type Config struct {
	LogLevel    string       `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string       `koanf:"log_format" validate:"oneof=text json"`
	Study       Study        `koanf:"study"`
	Run         Run          `koanf:"run"`
	Outcome     Outcome      `koanf:"outcome"`
	Calibrators []Calibrator `koanf:"calibrators" validate:"required,min=1,dive"`
	Server      Server       `koanf:"server"`
	Telemetry   Telemetry    `koanf:"telemetry"`
}

// Study controls the trial loop and where trials are kept
type Study struct {
	Name      string  `koanf:"name" validate:"required"`
	Trials    int     `koanf:"trials" validate:"min=1"`
	Store     string  `koanf:"store" validate:"oneof=memory sqlite"`
	DBPath    string  `koanf:"db_path"`
	StopError float64 `koanf:"stop_error" validate:"min=0"`
	// Patience stops the study after this many trials without a new best; 0 disables
	Patience int `koanf:"patience" validate:"min=0"`
	// PlateauTrials stops the study once the last N errors lie within PlateauTolerance
	PlateauTrials    int     `koanf:"plateau_trials" validate:"min=0"`
	PlateauTolerance float64 `koanf:"plateau_tolerance" validate:"min=0"`
}

// Run describes how the external simulator is invoked
type Run struct {
	// Command may reference {config}, {output}, {run_id} and {args}
	Command      string `koanf:"command" validate:"required"`
	ExtraArgs    string `koanf:"extra_args"`
	WorkDir      string `koanf:"work_dir" validate:"required"`
	ArtifactName string `koanf:"artifact_name" validate:"required"`
	PollInterval string `koanf:"poll_interval"` // e.g., "1s"
	Timeout      string `koanf:"timeout"`             // "0s" disables
	Debug        bool   `koanf:"debug"`
	Chain        Chain  `koanf:"chain"`
}

// Chain controls reuse of a prior trial's population as input
type Chain struct {
	Mode     string `koanf:"mode" validate:"oneof=off always interval"`
	Interval int    `koanf:"interval" validate:"min=0"`
	Pattern  string `koanf:"pattern"`
	InputArg string `koanf:"input_arg"`
}

// Outcome locates and describes the simulator output tables
type Outcome struct {
	Trips             string `koanf:"trips" validate:"required"`
	Persons           string `koanf:"persons"`
	TripID            string `koanf:"trip_id"`
	PersonID          string `koanf:"person_id"`
	ModeField         string `koanf:"mode_field" validate:"required"`
	FallbackModeField string `koanf:"fallback_mode_field"`
	DistanceField     string `koanf:"distance_field"`
}

// Calibrator declares one calibrator
type Calibrator struct {
	Name           string             `koanf:"name" validate:"required"`
	Kind           string             `koanf:"kind" validate:"oneof=base distance group"`
	Modes          []string           `koanf:"modes"`
	FixedMode      string             `koanf:"fixed_mode" validate:"required"`
	DistFixedMode  string             `koanf:"dist_fixed_mode"`
	Target         string             `koanf:"target" validate:"required"`
	Initial        map[string]float64 `koanf:"initial"`
	Resume         string             `koanf:"resume"`
	GroupAttrs     []string           `koanf:"group_attrs"`
	CalibBase      string             `koanf:"calib_base" validate:"omitempty,oneof=always alternating never"`
	CorrCorrection float64            `koanf:"corr_correction" validate:"min=0"`
	Shape          string             `koanf:"shape" validate:"omitempty,oneof=flat nested"`
	Constraints    []Constraint       `koanf:"constraints" validate:"dive"`
	LearningRate   LearningRate       `koanf:"learning_rate"`
	DistanceRate   DistanceRate       `koanf:"distance_rate"`
}

// Constraint projects one parameter key
type Constraint struct {
	Key  string  `koanf:"key" validate:"required"`
	Kind string  `koanf:"kind" validate:"omitempty,oneof=bounds non_negative positive non_positive negative zero none"`
	Lo   float64 `koanf:"lo"`
	Hi   float64 `koanf:"hi"`
}

// LearningRate selects the step multiplier schedule
type LearningRate struct {
	Kind     string  `koanf:"kind" validate:"omitempty,oneof=constant linear auto"`
	Value    float64 `koanf:"value"`
	Start    float64 `koanf:"start"`
	End      float64 `koanf:"end"`
	Interval int     `koanf:"interval" validate:"min=0"`
	Warmup   int     `koanf:"warmup" validate:"min=0"`
	Every    int     `koanf:"every" validate:"min=0"`
	Lookback int     `koanf:"lookback" validate:"min=0"`
	Throttle float64 `koanf:"throttle" validate:"min=0"`
}

// DistanceRate selects the distance-aware multiplier of bucket deltas
type DistanceRate struct {
	Kind        string  `koanf:"kind" validate:"omitempty,oneof=none sparse"`
	ReferenceKM float64 `koanf:"reference_km" validate:"min=0"`
}

// Server configures the read-only status endpoints; empty addresses disable them
type Server struct {
	HTTPAddr string `koanf:"http_addr"`
	GRPCAddr string `koanf:"grpc_addr"`
}

// Telemetry toggles tracing
type Telemetry struct {
	Tracing bool `koanf:"tracing"`
}

// Default returns the configuration every file and env layer starts from
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Study: Study{
			Name:   "calib",
			Trials: 20,
			Store:  "memory",
		},
		Run: Run{
			WorkDir:      "runs",
			ArtifactName: "params.yaml",
			PollInterval: "1s",
			Timeout:      "0s",
			Chain:        Chain{Mode: "off"},
		},
		Outcome: Outcome{
			Trips:             "{output}/trips.csv",
			Persons:           "{output}/persons.csv",
			TripID:            "trip_id",
			PersonID:          "person",
			ModeField:         "main_mode",
			FallbackModeField: "longest_distance_mode",
			DistanceField:     "traveled_distance",
		},
	}
}

// applyCalibratorDefaults fills per-calibrator fields left empty
func applyCalibratorDefaults(cfg *Config) {
	for i := range cfg.Calibrators {
		c := &cfg.Calibrators[i]
		if c.CalibBase == "" {
			c.CalibBase = "always"
		}
		if c.CorrCorrection == 0 {
			c.CorrCorrection = 1
		}
		if c.Shape == "" {
			c.Shape = "flat"
		}
		if c.DistFixedMode == "" {
			c.DistFixedMode = c.FixedMode
		}
	}
}

// GetPollInterval parses the poll interval string to time.Duration
func (r *Run) GetPollInterval() (time.Duration, error) {
	return time.ParseDuration(r.PollInterval)
}

// GetTimeout parses the timeout string to time.Duration
func (r *Run) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(r.Timeout)
}
