// Package runner invokes the external simulator for one trial.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/GoSim-25-26J-441/calibration-core/internal/artifact"
	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

// Placeholders understood in the command template
const (
	PlaceholderConfig = "{config}"
	PlaceholderOutput = "{output}"
	PlaceholderRunID  = "{run_id}"
	PlaceholderArgs   = "{args}"
)

// Options configure a Runner
type Options struct {
	// Command is the simulator command line template
	Command string
	// ExtraArgs replaces {args}; ExtraArgsFunc, when set, takes precedence
	ExtraArgs     string
	ExtraArgsFunc func(n int, history []*trial.Trial) string
	WorkDir       string
	ArtifactName  string
	PollInterval  time.Duration
	// Timeout of 0 lets a run take as long as it needs
	Timeout time.Duration
	// Debug forwards simulator output to Stdout/Stderr
	Debug  bool
	Stdout io.Writer
	Stderr io.Writer

	Chain         ChainPolicy
	ChainPattern  string
	ChainInputArg string
}

// OptionsFromConfig converts the run section of the configuration
func OptionsFromConfig(c config.Run) (Options, error) {
	poll, err := c.GetPollInterval()
	if err != nil {
		return Options{}, fmt.Errorf("invalid poll_interval: %w", err)
	}
	timeout, err := c.GetTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid timeout: %w", err)
	}
	chain, err := ChainFromMode(c.Chain.Mode, c.Chain.Interval)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Command:       c.Command,
		ExtraArgs:     c.ExtraArgs,
		WorkDir:       c.WorkDir,
		ArtifactName:  c.ArtifactName,
		PollInterval:  poll,
		Timeout:       timeout,
		Debug:         c.Debug,
		Chain:         chain,
		ChainPattern:  c.Chain.Pattern,
		ChainInputArg: c.Chain.InputArg,
	}, nil
}

// Runner prepares and executes simulator runs
type Runner struct {
	study string
	opts  Options
}

// New returns a runner for study
func New(study string, opts Options) (*Runner, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, ErrEmptyCommand
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ArtifactName == "" {
		opts.ArtifactName = "params.yaml"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.Chain == nil {
		opts.Chain = NeverChain
	}
	if opts.Debug {
		if opts.Stdout == nil {
			opts.Stdout = os.Stdout
		}
		if opts.Stderr == nil {
			opts.Stderr = os.Stderr
		}
	} else {
		opts.Stdout, opts.Stderr = nil, nil
	}
	return &Runner{study: study, opts: opts}, nil
}

// Invocation is one prepared simulator run
type Invocation struct {
	Trial        int
	RunID        string
	OutputDir    string
	ArtifactPath string
	ChainInput   string
	Args         []string
}

// Labels returns the trial labels describing the invocation
func (inv *Invocation) Labels() map[string]string {
	labels := map[string]string{
		trial.LabelRunID:     inv.RunID,
		trial.LabelOutputDir: inv.OutputDir,
		trial.LabelArtifact:  inv.ArtifactPath,
	}
	if inv.ChainInput != "" {
		labels[trial.LabelChainInput] = inv.ChainInput
	}
	return labels
}

// Prepare allocates a fresh output directory and run id for trial n,
// writes doc as the parameter artifact and renders the command line.
func (r *Runner) Prepare(ctx context.Context, state ChainState, n int, doc *artifact.Document) (*Invocation, error) {
	outputDir, err := r.outputDir(n)
	if err != nil {
		return nil, err
	}
	inv := &Invocation{
		Trial:        n,
		RunID:        utils.GenerateRunID(r.study, n),
		OutputDir:    outputDir,
		ArtifactPath: filepath.Join(r.opts.WorkDir, "params", fmt.Sprintf("trial-%03d-%s", n, r.opts.ArtifactName)),
	}

	if err := doc.WriteFile(inv.ArtifactPath); err != nil {
		return nil, fmt.Errorf("failed to write parameter artifact: %w", err)
	}

	inv.ChainInput, err = r.chainInput(ctx, state, n)
	if err != nil {
		return nil, err
	}

	extra := r.opts.ExtraArgs
	if r.opts.ExtraArgsFunc != nil {
		history, err := state.Completed(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read trial history: %w", err)
		}
		extra = r.opts.ExtraArgsFunc(n, history)
	}
	if inv.ChainInput != "" {
		extra = strings.TrimSpace(extra + " " + r.opts.ChainInputArg + " " + inv.ChainInput)
	}

	inv.Args = r.render(inv, extra)
	if len(inv.Args) == 0 {
		return nil, ErrEmptyCommand
	}
	return inv, nil
}

// outputDir creates a directory no earlier trial has used
func (r *Runner) outputDir(n int) (string, error) {
	base := filepath.Join(r.opts.WorkDir, utils.GenerateOutputDir(n))
	dir := base
	for i := 1; ; i++ {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", fmt.Errorf("failed to create work dir: %w", err)
		}
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create output dir: %w", err)
		}
		dir = fmt.Sprintf("%s-%d", base, i)
	}
}

// render substitutes the placeholders and splits the command line.
// On Windows the line is handed to cmd.exe unsplit.
func (r *Runner) render(inv *Invocation, extra string) []string {
	line := strings.NewReplacer(
		PlaceholderConfig, inv.ArtifactPath,
		PlaceholderOutput, inv.OutputDir,
		PlaceholderRunID, inv.RunID,
		PlaceholderArgs, extra,
	).Replace(r.opts.Command)

	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C", line}
	}
	return strings.Fields(line)
}

// Execute spawns the prepared invocation and blocks until it exits. The
// process is terminated on every return path.
func (r *Runner) Execute(ctx context.Context, inv *Invocation) error {
	log := logger.ForTrial(r.study, inv.Trial)
	log.Info("running simulation", "run_id", inv.RunID, "output", inv.OutputDir, "chain_input", inv.ChainInput)
	if r.opts.Debug {
		log.Debug("simulation command", "args", strings.Join(inv.Args, " "))
	}

	p, err := startProcess(inv.RunID, "", inv.Args, r.opts.Stdout, r.opts.Stderr)
	if err != nil {
		return err
	}
	defer p.Terminate()

	if err := p.Wait(ctx, r.opts.PollInterval, r.opts.Timeout); err != nil {
		return err
	}
	log.Info("simulation finished", "run_id", inv.RunID, "elapsed", utils.FormatDuration(time.Since(p.start)))
	return nil
}
