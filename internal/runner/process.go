package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// A freshly written executable can briefly report "text file busy"
const startAttempts = 4

var startBackoff utils.BackoffStrategy = utils.NewExponentialBackoff(50*time.Millisecond, time.Second, 2)

// Process is a spawned simulator. Wait polls for its exit; Terminate kills
// it if it is still running and is safe to call any number of times.
type Process struct {
	cmd   *exec.Cmd
	runID string
	start time.Time

	done chan struct{}
	err  error

	once sync.Once
}

// startProcess spawns args with output sent to stdout/stderr (nil discards)
func startProcess(runID, dir string, args []string, stdout, stderr io.Writer) (*Process, error) {
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	var cmd *exec.Cmd
	for attempt := 0; ; attempt++ {
		cmd = exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		// bound the wait for output copying when a child outlives the process
		cmd.WaitDelay = 2 * time.Second

		err := cmd.Start()
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.ETXTBSY) || attempt+1 >= startAttempts {
			return nil, fmt.Errorf("%w: failed to start %s: %v", ErrRunFailed, args[0], err)
		}
		delay := startBackoff.NextDelay(attempt)
		logger.Debug("retrying simulation start", "run_id", runID, "attempt", attempt+1, "delay", delay, "error", err)
		time.Sleep(delay)
	}
	p := &Process{cmd: cmd, runID: runID, start: time.Now(), done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	logger.Info("simulation started", "run_id", runID, "pid", cmd.Process.Pid)
	return p, nil
}

// Wait polls every interval until the process exits, ctx is done or
// timeout (when > 0) expires. It never terminates the process itself.
func (p *Process) Wait(ctx context.Context, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	progress := rate.Sometimes{Interval: time.Minute}

	for {
		select {
		case <-p.done:
			return p.exitError()
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w: run %s exceeded timeout %s", ErrRunFailed, p.runID, timeout)
		case <-ticker.C:
			progress.Do(func() {
				logger.Info("simulation running", "run_id", p.runID, "elapsed", utils.FormatDuration(time.Since(p.start)))
			})
		}
	}
}

func (p *Process) exitError() error {
	if p.err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return &ExitError{RunID: p.runID, Code: exitErr.ExitCode(), Err: p.err}
	}
	return fmt.Errorf("%w: run %s: %v", ErrRunFailed, p.runID, p.err)
}

// Exited reports whether the process has finished
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate kills a still-running process and waits for it to be reaped
func (p *Process) Terminate() {
	p.once.Do(func() {
		if p.Exited() {
			return
		}
		if err := p.cmd.Process.Kill(); err != nil {
			logger.Warn("failed to kill simulation", "run_id", p.runID, "error", err)
		}
		<-p.done
		logger.Warn("simulation terminated", "run_id", p.runID)
	})
}
