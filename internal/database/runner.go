package database

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/kebairia/mongokeeper/internal/logger"
)

// Output is what a finished tool invocation wrote.
type Output struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes one external command and waits for it to exit.
// It does not interpret stderr; a nil error only means exit status 0.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	Timeout time.Duration
	Logger  logger.Logger
}

// NewExecRunner returns a runner that kills any command still running
// after timeout. A zero timeout disables the bound.
func NewExecRunner(timeout time.Duration, log logger.Logger) *ExecRunner {
	if log == nil {
		log = logger.Nop()
	}
	return &ExecRunner{Timeout: timeout, Logger: log}
}

// Run starts name with args and collects stdout and stderr.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.Timeout, ErrTimeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	r.Logger.Debug("tool started", "tool", name, "args", redactArgs(args))
	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		cause := err
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			cause = ctxErr
		}
		r.Logger.Error("tool failed",
			"tool", name,
			"duration", out.Duration.String(),
			"timeout", errors.Is(cause, ErrTimeout),
			"error", err.Error(),
		)
		return out, &ToolExecutionError{
			Tool:   name,
			Args:   redactArgs(args),
			Stderr: out.Stderr,
			Err:    cause,
		}
	}
	r.Logger.Debug("tool finished", "tool", name, "duration", out.Duration.String())
	return out, nil
}
