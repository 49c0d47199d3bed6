package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateConfig runs the struct tag rules, then the cross-field checks
// tags cannot express.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if err := validateStudy(&cfg.Study); err != nil {
		return fmt.Errorf("study validation failed: %w", err)
	}
	if err := validateRun(&cfg.Run); err != nil {
		return fmt.Errorf("run validation failed: %w", err)
	}

	if err := validateOutcome(&cfg.Outcome, cfg.Calibrators); err != nil {
		return fmt.Errorf("outcome validation failed: %w", err)
	}

	names := make(map[string]bool)
	for _, c := range cfg.Calibrators {
		if names[c.Name] {
			return fmt.Errorf("duplicate calibrator name: %s", c.Name)
		}
		names[c.Name] = true
		if err := validateCalibrator(&c); err != nil {
			return fmt.Errorf("calibrator %s: %w", c.Name, err)
		}
	}
	return nil
}

// validateOutcome checks the columns the configured calibrators stratify by
func validateOutcome(o *Outcome, cals []Calibrator) error {
	for _, c := range cals {
		if c.Kind == "distance" && o.DistanceField == "" {
			return fmt.Errorf("distance_field required by distance calibrator %s", c.Name)
		}
		if len(c.GroupAttrs) > 0 && (o.PersonID == "" || o.Persons == "") {
			return fmt.Errorf("persons and person_id required by group attributes of calibrator %s", c.Name)
		}
	}
	return nil
}

func validateStudy(s *Study) error {
	if s.Store == "sqlite" && s.DBPath == "" {
		return fmt.Errorf("db_path required for sqlite store")
	}
	if s.PlateauTrials == 1 {
		return fmt.Errorf("plateau_trials must be 0 or at least 2")
	}
	return nil
}

func validateRun(r *Run) error {
	poll, err := r.GetPollInterval()
	if err != nil {
		return fmt.Errorf("invalid poll_interval %s: %w", r.PollInterval, err)
	}
	if poll <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", r.PollInterval)
	}
	timeout, err := r.GetTimeout()
	if err != nil {
		return fmt.Errorf("invalid timeout %s: %w", r.Timeout, err)
	}
	if timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", r.Timeout)
	}
	if !strings.Contains(r.Command, "{config}") {
		return fmt.Errorf("command must reference {config}")
	}

	switch r.Chain.Mode {
	case "interval":
		if r.Chain.Interval <= 0 {
			return fmt.Errorf("chain interval must be positive in interval mode")
		}
		fallthrough
	case "always":
		if r.Chain.Pattern == "" {
			return fmt.Errorf("chain pattern required when chaining is enabled")
		}
		if r.Chain.InputArg == "" {
			return fmt.Errorf("chain input_arg required when chaining is enabled")
		}
	}
	return nil
}

func validateCalibrator(c *Calibrator) error {
	if strings.ContainsAny(c.Name, ":[]") {
		return fmt.Errorf("name must not contain ':', '[' or ']'")
	}
	if len(c.Modes) > 0 && !contains(c.Modes, c.FixedMode) {
		return fmt.Errorf("fixed_mode %s not among modes", c.FixedMode)
	}
	switch c.Kind {
	case "group":
		if len(c.GroupAttrs) == 0 {
			return fmt.Errorf("group calibrator needs group_attrs")
		}
	case "distance":
		if len(c.Modes) > 0 && !contains(c.Modes, c.DistFixedMode) {
			return fmt.Errorf("dist_fixed_mode %s not among modes", c.DistFixedMode)
		}
	}
	for _, con := range c.Constraints {
		if con.Kind == "bounds" && con.Lo > con.Hi {
			return fmt.Errorf("constraint %s: lo %g greater than hi %g", con.Key, con.Lo, con.Hi)
		}
	}
	if c.LearningRate.Kind == "linear" && c.LearningRate.Interval <= 0 {
		return fmt.Errorf("linear learning_rate needs a positive interval")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
