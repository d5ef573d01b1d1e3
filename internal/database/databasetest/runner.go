// Package databasetest provides a scripted database.Runner for tests.
package databasetest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/kebairia/mongokeeper/internal/database"
)

// Call is one recorded invocation.
type Call struct {
	Tool string
	Args []string
}

// Flag returns the value following flag, or "".
func (c Call) Flag(flag string) string {
	for i, a := range c.Args {
		if a == flag && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

// Has reports whether arg appears in the argument vector.
func (c Call) Has(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// Last returns the final argument.
func (c Call) Last() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[len(c.Args)-1]
}

// HandlerFunc scripts the result of one tool.
type HandlerFunc func(ctx context.Context, call Call) (database.Output, error)

// Runner records calls and answers them from per-tool handlers. Tools
// without a handler succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]HandlerFunc
}

// NewRunner returns a runner whose mongodump writes a small dump tree
// into --out, and whose mongorestore and mongosh succeed with progress
// output only.
func NewRunner() *Runner {
	r := &Runner{handlers: map[string]HandlerFunc{}}
	r.On("mongodump", WriteDump)
	r.On("mongorestore", Respond(database.Output{Stderr: "finished restoring (0 documents, 0 failures)\n0 document(s) restored successfully. 0 document(s) failed to restore.\n"}, nil))
	r.On("mongosh", Respond(database.Output{Stdout: "{ ok: 1 }"}, nil))
	return r
}

// On replaces the handler for tool.
func (r *Runner) On(tool string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tool] = h
}

// Run implements database.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (database.Output, error) {
	call := Call{Tool: name, Args: append([]string(nil), args...)}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	h := r.handlers[name]
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return database.Output{}, &database.ToolExecutionError{Tool: name, Err: err}
	}
	if h == nil {
		return database.Output{}, nil
	}
	return h(ctx, call)
}

// Calls returns every recorded call in order.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded calls to tool.
func (r *Runner) CallsTo(tool string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// Tools returns the tool name of each call in order.
func (r *Runner) Tools() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Tool
	}
	return out
}

// Respond returns a handler with a fixed result.
func Respond(out database.Output, err error) HandlerFunc {
	return func(context.Context, Call) (database.Output, error) {
		return out, err
	}
}

var errExit = errors.New("exit status 1")

// Fail returns a handler that exits non-zero with stderr.
func Fail(stderr string) HandlerFunc {
	return func(_ context.Context, call Call) (database.Output, error) {
		return database.Output{Stderr: stderr}, &database.ToolExecutionError{
			Tool:   call.Tool,
			Stderr: stderr,
			Err:    errExit,
		}
	}
}

// WriteDump creates {out}/{db}/{collection}.bson like mongodump does.
// Dumps without --collection get a single "items" collection.
func WriteDump(_ context.Context, call Call) (database.Output, error) {
	out, db := call.Flag("--out"), call.Flag("--db")
	coll := call.Flag("--collection")
	if coll == "" {
		coll = "items"
	}
	dir := filepath.Join(out, db)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return database.Output{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, coll+".bson"), []byte("0123456789"), 0o644); err != nil {
		return database.Output{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, coll+".metadata.json"), []byte("{}"), 0o644); err != nil {
		return database.Output{}, err
	}
	return database.Output{Stderr: "writing " + db + "." + coll + " to " + dir + "\ndone dumping " + db + "." + coll + " (0 documents)\n"}, nil
}
