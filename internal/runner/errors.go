package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrRunFailed marks a simulator run that did not finish successfully
	ErrRunFailed = errors.New("simulation run failed")
	// ErrEmptyCommand is returned when the command template renders to nothing
	ErrEmptyCommand = errors.New("empty simulation command")
)

// ExitError reports a nonzero simulator exit
type ExitError struct {
	RunID string
	Code  int
	Err   error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run %s exited with code %d: %v", e.RunID, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Is makes every ExitError match ErrRunFailed
func (e *ExitError) Is(target error) bool { return target == ErrRunFailed }
