// Package agents glues prompt templates to the invoker for one sprint. Every
// orchestrator component invokes its sub-agents through a Caller, which binds
// the reserved placeholder set and the sprint working directory uniformly.
package agents

import (
	"context"
	"time"

	"telic/internal/invoker"
	"telic/internal/prompt"
	"telic/internal/sprint"
)

// Caller renders prompts and launches sub-agents for one sprint.
type Caller struct {
	inv     *invoker.Invoker
	prompts *prompt.Store
	sp      *sprint.Sprint
}

// New creates a caller.
func New(inv *invoker.Invoker, prompts *prompt.Store, sp *sprint.Sprint) *Caller {
	return &Caller{inv: inv, prompts: prompts, sp: sp}
}

// Opts tunes one invocation.
type Opts struct {
	Tools   []string
	Timeout time.Duration
}

// Call renders the named template and invokes a sub-agent with it. Template
// load failures surface to the caller; most call sites treat them as fatal
// configuration problems, not soft failures.
func (c *Caller) Call(ctx context.Context, role, promptID string, vars map[string]string, opts Opts) (invoker.Result, error) {
	text, err := c.prompts.Load(promptID)
	if err != nil {
		return invoker.Result{}, err
	}
	return c.CallText(ctx, role, text, vars, opts), nil
}

// CallText invokes a sub-agent with inline prompt text.
func (c *Caller) CallText(ctx context.Context, role, text string, vars map[string]string, opts Opts) invoker.Result {
	bound := map[string]string{
		prompt.VarSprint:    c.sp.Name,
		prompt.VarSprintDir: c.sp.Dir,
	}
	for k, v := range vars {
		bound[k] = v
	}
	return c.inv.Invoke(ctx, invoker.Request{
		Role:    role,
		Prompt:  prompt.Render(text, bound),
		Tools:   opts.Tools,
		Dir:     c.sp.Dir,
		Timeout: opts.Timeout,
	})
}

// Sprint exposes the bound sprint for components that need paths.
func (c *Caller) Sprint() *sprint.Sprint { return c.sp }
