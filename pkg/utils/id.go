package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateStudyID generates a unique identifier for a calibration study
func GenerateStudyID() string {
	return uuid.New().String()
}

// GenerateRunID derives the simulator run id of a trial.
// The short random suffix keeps ids unique when a study is restarted.
func GenerateRunID(study string, trial int) string {
	return fmt.Sprintf("%s%03d-%s", study, trial, uuid.New().String()[:8])
}

// GenerateOutputDir returns the per-trial output directory name
func GenerateOutputDir(trial int) string {
	return fmt.Sprintf("trial-%03d-%s", trial, time.Now().UTC().Format("20060102T150405"))
}
