// Package main implements the telic CLI: a closed-loop autonomous
// value-delivery engine. It drives a sprint directory (vision + PRD) to
// verified value through repeated sub-agent invocations guarded by
// deterministic gates, stuck detection, and regression checks.
//
// Usage:
//
//	telic <sprint-name> [max-iterations]
//
// Exit codes: 0 full success, 2 partial success (blocked work remains),
// 1 incomplete or fatal configuration error.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"telic/internal/config"
	"telic/internal/engine"
	"telic/internal/logging"
	"telic/internal/sprint"
	"telic/internal/state"
)

var (
	sprintsRoot string
	verbose     bool

	logger   *zap.Logger
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "telic <sprint-name> [max-iterations]",
	Short: "telic - closed-loop autonomous value delivery",
	Long: `telic consumes a human-authored vision plus a product requirements
document and drives a deliverable to verified value through repeated
LLM sub-agent invocations, guarded by deterministic gates, stuck
detection, and regression checks.

The sprint directory must contain VISION.md and PRD.md; everything else
(plan, test plan, blockers, state) is created and maintained by the loop.`,
	Args: cobra.RangeArgs(1, 2),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	RunE: runSprint,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sprintsRoot, "dir", ".", "directory sprint folders live under")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func runSprint(cmd *cobra.Command, args []string) error {
	name := args[0]
	dir := filepath.Join(sprintsRoot, name)

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if len(args) == 2 {
		maxIter, err := strconv.Atoi(args[1])
		if err != nil || maxIter < 1 {
			return fmt.Errorf("invalid max-iterations %q", args[1])
		}
		cfg.Limits.MaxIterations = maxIter
	}

	if err := logging.Initialize(dir, verbose); err != nil {
		return err
	}
	defer logging.Sync()

	sp := sprint.New(name, dir, cfg)
	st, err := state.Load(sp.LoopStatePath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(sp, st, engine.Hooks{})
	outcome, err := eng.Run(ctx)
	exitCode = outcome.ExitCode
	if err != nil {
		if errors.Is(err, engine.ErrSaturated) {
			logger.Warn("run saturated, state preserved for resume",
				zap.String("sprint", name), zap.Int("iterations", st.Iteration()))
			return nil
		}
		return err
	}

	logger.Info("run finished",
		zap.String("sprint", name),
		zap.String("outcome", outcome.Kind),
		zap.Int("iterations", st.Iteration()))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "telic:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
