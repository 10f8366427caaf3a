package invoker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// RunSpec describes one child process execution.
type RunSpec struct {
	Argv    []string
	Stdin   string
	Dir     string
	Timeout time.Duration
}

// RunResult captures what the child did.
type RunResult struct {
	Output   string
	ExitCode int
	TimedOut bool
	Err      error
}

// Runner executes child processes. The interface exists so components and
// tests can stub agent execution without spawning anything.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) RunResult
}

// processRunner is the real implementation on os/exec.
type processRunner struct{}

// RealRunner returns the production process runner, for callers that execute
// external commands directly (the end-to-end test runner).
func RealRunner() Runner { return processRunner{} }

// killGrace is how long after SIGTERM the child gets before SIGKILL.
const killGrace = 5 * time.Second

func (processRunner) Run(ctx context.Context, spec RunSpec) RunResult {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = strings.NewReader(spec.Stdin)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	// Graceful shutdown on deadline: SIGTERM first, SIGKILL after the grace
	// window. Partial effects on disk are retained; callers re-read the
	// sprint directory to learn actual state.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()

	res := RunResult{
		Output:   buf.String(),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	return res
}
