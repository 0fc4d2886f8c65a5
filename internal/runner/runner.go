package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rahul/retailpipe/internal/governance"
	"github.com/rahul/retailpipe/pkg/config"
)

// outputTail bounds how much of a failing step's output is kept for alerts.
const outputTail = 2048

// Step is one named external stage of the pipeline. Immutable once built.
type Step struct {
	Name    string
	Command string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// StepFailure reports that a named step did not run to completion.
type StepFailure struct {
	StepName string
	Err      error
	Output   string
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed: %v", f.StepName, f.Err)
}

func (f *StepFailure) Unwrap() error {
	return f.Err
}

// StepsFromConfig converts declared steps, keeping their order.
func StepsFromConfig(cfgs []config.StepConfig) []Step {
	steps := make([]Step, 0, len(cfgs))
	for _, c := range cfgs {
		steps = append(steps, Step{
			Name:    c.Name,
			Command: c.Command,
			Dir:     c.Dir,
			Env:     c.Env,
			Timeout: c.Timeout,
		})
	}
	return steps
}

// Runner executes steps as shell commands and blocks until they exit.
type Runner struct {
	Shell   string
	Workdir string
	Policy  governance.PolicyEngine
	Logger  *slog.Logger
}

func New(shell, workdir string, policy governance.PolicyEngine, logger *slog.Logger) *Runner {
	if shell == "" {
		shell = "sh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Shell:   shell,
		Workdir: workdir,
		Policy:  policy,
		Logger:  logger,
	}
}

// Run executes the step to completion. A non-zero exit, a policy denial or an
// exceeded step timeout is returned as *StepFailure. Nothing is retried.
func (r *Runner) Run(ctx context.Context, step Step) error {
	if r.Policy != nil {
		res, err := r.Policy.Evaluate(ctx, governance.Request{Step: step.Name, Command: step.Command})
		if err != nil {
			return &StepFailure{StepName: step.Name, Err: fmt.Errorf("policy evaluation: %w", err)}
		}
		if res.Effect == governance.EffectDeny {
			return &StepFailure{StepName: step.Name, Err: fmt.Errorf("denied by policy: %s", res.Reason)}
		}
	}

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Shell, "-c", step.Command)
	cmd.Dir = r.dir(step)
	cmd.Env = mergeEnv(os.Environ(), step.Env)
	// Grandchildren may keep the output pipe open after the shell is killed.
	cmd.WaitDelay = time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	out := tail(strings.TrimSpace(string(output)), outputTail)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && step.Timeout > 0 {
			err = fmt.Errorf("timed out after %s: %w", step.Timeout, err)
		}
		r.Logger.Error("step failed",
			"event", "step",
			"step", step.Name,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return &StepFailure{StepName: step.Name, Err: err, Output: out}
	}

	r.Logger.Debug("step output", "event", "step", "step", step.Name, "output", out)
	r.Logger.Info("step completed",
		"event", "step",
		"step", step.Name,
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

func (r *Runner) dir(step Step) string {
	switch {
	case step.Dir == "":
		return r.Workdir
	case filepath.IsAbs(step.Dir) || r.Workdir == "":
		return step.Dir
	default:
		return filepath.Join(r.Workdir, step.Dir)
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// tail keeps at most the last n bytes of s, cut on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
