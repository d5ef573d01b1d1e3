package database

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout is the cause attached to a tool invocation that exceeded
// its deadline.
var ErrTimeout = errors.New("operation timed out")

// ToolExecutionError reports an external tool that could not be started
// or exited with a non-zero status.
type ToolExecutionError struct {
	Tool   string
	Args   []string // password values redacted
	Stderr string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ToolReportedError reports a tool that exited 0 but wrote something to
// stderr that is not known progress output.
type ToolReportedError struct {
	Tool       string
	Operation  Operation
	Stderr     string
	Unexpected []string
}

func (e *ToolReportedError) Error() string {
	first := ""
	if len(e.Unexpected) > 0 {
		first = e.Unexpected[0]
	}
	return fmt.Sprintf("%s reported an error during %s: %s", e.Tool, e.Operation, first)
}

// Stderr returns the raw diagnostic output carried by err, if any.
func Stderr(err error) string {
	var reported *ToolReportedError
	if errors.As(err, &reported) {
		return reported.Stderr
	}
	var exec *ToolExecutionError
	if errors.As(err, &exec) {
		return exec.Stderr
	}
	return ""
}

// redactArgs masks credential values so argument vectors can be logged.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i, a := range out {
		switch {
		case a == "--password" || a == "-p":
			if i+1 < len(out) {
				out[i+1] = "****"
			}
		case strings.HasPrefix(a, "--password="):
			out[i] = "--password=****"
		}
	}
	return out
}
