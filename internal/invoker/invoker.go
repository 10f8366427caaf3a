// Package invoker is the uniform front-end for launching LLM sub-agent child
// processes. It renders nothing itself: callers hand it final prompt text.
// The invoker owns spawning, the wall-clock timeout (SIGTERM, then SIGKILL
// after a grace window), retry with exponential backoff, and RESULT-token
// classification. The child's full combined output is always captured and
// returned so downstream fix agents get error evidence, not just the keyword
// line.
package invoker

import (
	"context"
	"time"

	"telic/internal/config"
	"telic/internal/logging"
)

// Request describes one sub-agent invocation.
type Request struct {
	// Role names the invocation for logs ("vrc", "fix", "test-runner", ...).
	Role string

	// Prompt is the fully rendered prompt text, delivered on stdin.
	Prompt string

	// Tools is the opaque tool allow-set, forwarded to the child as-is.
	Tools []string

	// Dir is the working directory (the sprint directory).
	Dir string

	// Timeout overrides the configured default when non-zero.
	Timeout time.Duration
}

// Result is the observed outcome of an invocation.
type Result struct {
	Outcome  Outcome
	Output   string // full combined stdout+stderr of the final attempt
	ExitCode int
	Attempts int
	TimedOut bool
}

// Invoker launches sub-agents per the agent configuration.
type Invoker struct {
	cfg    config.AgentConfig
	runner Runner
	sleep  func(time.Duration)
}

// New creates an invoker using the real process runner.
func New(cfg config.AgentConfig) *Invoker {
	return NewWithRunner(cfg, &processRunner{})
}

// NewWithRunner creates an invoker with a caller-supplied runner. Used by
// tests and by callers that stub agent execution.
func NewWithRunner(cfg config.AgentConfig, runner Runner) *Invoker {
	return &Invoker{cfg: cfg, runner: runner, sleep: time.Sleep}
}

// Invoke runs one sub-agent to completion, retrying non-zero exits with
// exponential backoff up to the configured cap. A timeout is not retried: the
// child was killed mid-work and its partial effects stand, so the caller gets
// a synthesised BLOCKED_FIXABLE immediately.
func (inv *Invoker) Invoke(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = inv.cfg.Timeout.Std()
	}

	argv := append([]string{}, inv.cfg.Command...)
	if len(req.Tools) > 0 {
		argv = append(argv, "--tools", joinTools(req.Tools))
	}

	retries := inv.cfg.Retries
	if retries < 1 {
		retries = 1
	}

	var res Result
	for attempt := 1; attempt <= retries; attempt++ {
		res.Attempts = attempt
		logging.Invoker("[%s] attempt %d/%d (timeout %s)", req.Role, attempt, retries, timeout)

		run := inv.runner.Run(ctx, RunSpec{
			Argv:    argv,
			Stdin:   req.Prompt,
			Dir:     req.Dir,
			Timeout: timeout,
		})
		res.Output = run.Output
		res.ExitCode = run.ExitCode
		res.TimedOut = run.TimedOut

		if run.TimedOut {
			logging.Invoker("[%s] timed out after %s, synthesising BLOCKED_FIXABLE", req.Role, timeout)
			res.Outcome = OutcomeBlockedFixable
			return res
		}
		if ctx.Err() != nil {
			res.Outcome = OutcomeFail
			return res
		}
		if run.Err == nil && run.ExitCode == 0 {
			res.Outcome = ParseOutcome(run.Output)
			logging.InvokerDebug("[%s] exit 0, outcome %s (%d bytes output)", req.Role, res.Outcome, len(run.Output))
			return res
		}

		logging.Invoker("[%s] attempt %d failed (exit=%d err=%v)", req.Role, attempt, run.ExitCode, run.Err)
		if attempt < retries {
			inv.sleep(inv.backoff(attempt))
		}
	}

	// Retries exhausted. The output still carries whatever the agent said;
	// an explicit token on the final attempt is honoured, anything else is
	// a failure.
	res.Outcome = ParseOutcome(res.Output)
	logging.Invoker("[%s] retries exhausted, outcome %s", req.Role, res.Outcome)
	return res
}

// backoff doubles the base delay per completed attempt: 5s, 10s, 20s with the
// default base.
func (inv *Invoker) backoff(attempt int) time.Duration {
	base := inv.cfg.RetryBackoff.Std()
	if base <= 0 {
		base = 5 * time.Second
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	return base * time.Duration(1<<shift)
}

func joinTools(tools []string) string {
	out := ""
	for i, t := range tools {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
