package calibration

import "errors"

var (
	// ErrConfiguration marks unusable inputs: malformed targets, unknown modes, unreadable files
	ErrConfiguration = errors.New("calibration configuration error")
	// ErrValidation marks inconsistent calibrator definitions rejected at construction
	ErrValidation = errors.New("calibration validation error")
)
