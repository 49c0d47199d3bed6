package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/GoSim-25-26J-441/calibration-core/internal/trial"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

// StudyAttrChainArtifact holds the last population artifact that was chained
const StudyAttrChainArtifact = "chain_artifact"

// ChainPolicy decides whether trial n starts from a prior population
type ChainPolicy func(n int, history []*trial.Trial) bool

// NeverChain disables chaining
func NeverChain(int, []*trial.Trial) bool { return false }

// AlwaysChain chains every trial that has a predecessor
func AlwaysChain(n int, _ []*trial.Trial) bool { return n > 0 }

// EveryChain chains every interval-th trial
func EveryChain(interval int) ChainPolicy {
	return func(n int, _ []*trial.Trial) bool {
		return interval > 0 && n > 0 && n%interval == 0
	}
}

// ChainFromMode maps the configured chain mode to a policy
func ChainFromMode(mode string, interval int) (ChainPolicy, error) {
	switch mode {
	case "", "off":
		return NeverChain, nil
	case "always":
		return AlwaysChain, nil
	case "interval":
		if interval <= 0 {
			return nil, fmt.Errorf("chain interval must be positive, got %d", interval)
		}
		return EveryChain(interval), nil
	default:
		return nil, fmt.Errorf("unknown chain mode %q", mode)
	}
}

// ChainState is what chaining needs from the trial store
type ChainState interface {
	Completed(ctx context.Context) ([]*trial.Trial, error)
	StudyAttr(ctx context.Context, key string) (string, bool, error)
	SetStudyAttr(ctx context.Context, key, value string) error
}

// findArtifact returns the newest file matching pattern in dir
func findArtifact(dir, pattern string) (string, bool) {
	if dir == "" {
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[len(matches)-1], true
}

// chainInput resolves the population artifact for trial n, or "" when the
// trial starts from the configured input.
func (r *Runner) chainInput(ctx context.Context, state ChainState, n int) (string, error) {
	history, err := state.Completed(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read trial history: %w", err)
	}
	if !r.opts.Chain(n, history) {
		return "", nil
	}

	if len(history) > 0 {
		last := history[len(history)-1]
		if path, ok := findArtifact(last.Labels[trial.LabelOutputDir], r.opts.ChainPattern); ok {
			if err := state.SetStudyAttr(ctx, StudyAttrChainArtifact, path); err != nil {
				return "", fmt.Errorf("failed to remember chain artifact: %w", err)
			}
			return path, nil
		}
	}

	// fall back to the last artifact that was chained successfully
	path, ok, err := state.StudyAttr(ctx, StudyAttrChainArtifact)
	if err != nil {
		return "", fmt.Errorf("failed to read chain artifact: %w", err)
	}
	if !ok {
		logger.Warn("no population artifact to chain, using configured input", "trial", n)
		return "", nil
	}
	logger.Info("chaining last known population artifact", "trial", n, "artifact", path)
	return path, nil
}
