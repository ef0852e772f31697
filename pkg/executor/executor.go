// Package executor runs install commands as subprocesses under a requested
// identity, with a timeout on every call and a process-wide lock around the
// system package manager.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/agentbox/pkg/engine"
	"github.com/openfroyo/agentbox/pkg/manifest"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a command that does not set its own timeout.
const DefaultTimeout = 10 * time.Minute

// maxOutput caps how much combined output is retained per command; the tail is kept.
const maxOutput = 256 * 1024

// Command is a single subprocess invocation.
type Command struct {
	// Script is run through the shell. Ignored when Argv is set.
	Script string

	// Argv is executed directly (after the identity prefix) instead of Script.
	Argv []string

	// Identity is who the command runs as.
	Identity Identity

	// Env adds environment variables.
	Env map[string]string

	// Dir is the working directory.
	Dir string

	// Timeout bounds the call. 0 uses the runner default.
	Timeout time.Duration

	// PackageManager forces the package-manager lock.
	PackageManager bool
}

// Describe returns the command text for logs and previews.
func (c Command) Describe() string {
	if len(c.Argv) > 0 {
		return strings.Join(c.Argv, " ")
	}
	return c.Script
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// ShellRunner runs commands with os/exec.
type ShellRunner struct {
	shell          string
	defaultTimeout time.Duration
	currentUser    string
	euid           int
	baseEnv        []string
	logger         zerolog.Logger
}

// Option configures a ShellRunner.
type Option func(*ShellRunner)

// WithShell sets the shell used for scripts. Defaults to /bin/sh.
func WithShell(shell string) Option {
	return func(r *ShellRunner) { r.shell = shell }
}

// WithDefaultTimeout sets the timeout for commands without their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *ShellRunner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *ShellRunner) { r.logger = l.With().Str("component", "executor").Logger() }
}

// WithInvoker overrides the invoking user name and effective uid.
func WithInvoker(user string, euid int) Option {
	return func(r *ShellRunner) {
		r.currentUser = user
		r.euid = euid
	}
}

// NewShellRunner creates a runner for the invoking process.
func NewShellRunner(opts ...Option) *ShellRunner {
	r := &ShellRunner{
		shell:          "/bin/sh",
		defaultTimeout: DefaultTimeout,
		currentUser:    CurrentUser(),
		euid:           os.Geteuid(),
		baseEnv:        os.Environ(),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Argv returns the full argument vector for a command, including the
// privilege-escalation prefix its identity requires.
func (r *ShellRunner) Argv(cmd Command) ([]string, error) {
	body := cmd.Argv
	if len(body) == 0 {
		body = []string{r.shell, "-c", cmd.Script}
	}

	prefix, err := r.identityPrefix(cmd.Identity)
	if err != nil {
		return nil, err
	}
	if len(prefix) == 0 {
		return append([]string(nil), body...), nil
	}

	argv := append([]string(nil), prefix...)
	if len(cmd.Env) > 0 {
		// escalation resets the environment, so variables travel through env(1)
		argv = append(argv, "env")
		argv = append(argv, envPairs(cmd.Env)...)
	}
	return append(argv, body...), nil
}

func (r *ShellRunner) identityPrefix(id Identity) ([]string, error) {
	switch id.RunAs {
	case manifest.RunAsCurrent, "":
		return nil, nil
	case manifest.RunAsRoot:
		if r.euid == 0 {
			return nil, nil
		}
		esc, err := escalation(id, "root")
		if err != nil {
			return nil, err
		}
		return append(esc, "--"), nil
	case manifest.RunAsTargetUser:
		if id.User == "" {
			return nil, engine.NewContractViolation([]string{engine.EnvTargetUser})
		}
		if id.User == r.currentUser {
			return nil, nil
		}
		esc, err := escalation(id, id.User)
		if err != nil {
			return nil, err
		}
		return append(esc, "-u", id.User, "-H", "--"), nil
	default:
		return nil, fmt.Errorf("unknown identity %q", id.RunAs)
	}
}

func escalation(id Identity, target string) ([]string, error) {
	esc := strings.Fields(id.Escalation)
	if len(esc) == 0 {
		return nil, engine.NewContractViolation([]string{engine.EnvEscalation}).
			WithDetail("identity", target)
	}
	return esc, nil
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

// Run executes a command and waits for it.
//
// A non-zero exit returns the Result together with a step failure. A timeout
// returns a transient error so the caller may retry it.
func (r *ShellRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Script == "" && len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	argv, err := r.Argv(cmd)
	if err != nil {
		return nil, err
	}

	if cmd.PackageManager || IsPackageManagerCommand(cmd.Describe()) {
		unlock := lockPackageManager(r.logger, cmd.Describe())
		defer unlock()
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.WaitDelay = 5 * time.Second
	c.Env = append([]string(nil), r.baseEnv...)
	if cmd.Identity.Home != "" && cmd.Identity.RunAs != manifest.RunAsRoot {
		c.Env = append(c.Env, "HOME="+cmd.Identity.Home)
	}
	c.Env = append(c.Env, envPairs(cmd.Env)...)

	out := &tailBuffer{limit: maxOutput}
	c.Stdout = out
	c.Stderr = out

	r.logger.Debug().
		Str("identity", string(cmd.Identity.RunAs)).
		Str("command", cmd.Describe()).
		Dur("timeout", timeout).
		Msg("Running command")

	start := time.Now()
	runErr := c.Run()
	result := &Result{
		ExitCode: 0,
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return result, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, engine.NewTransientError(fmt.Sprintf("command timed out after %s", timeout), runErr).
			WithCode(engine.ErrCodeTimeout).
			WithStep(cmd.Describe())
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, engine.NewStepFailure("command cancelled", ctx.Err()).
			WithCode(engine.ErrCodeCancelled).
			WithStep(cmd.Describe())
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, engine.NewStepFailure(fmt.Sprintf("command exited with status %d", result.ExitCode), nil).
			WithStep(cmd.Describe()).
			WithDetail("exit_code", result.ExitCode)
	}

	result.ExitCode = -1
	return result, engine.NewStepFailure("failed to execute command", runErr).
		WithStep(cmd.Describe())
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
