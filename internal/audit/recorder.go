package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kebairia/mongokeeper/internal/logger"
)

const defaultWriteTimeout = 5 * time.Second

// Operation describes the guarded operation being recorded.
type Operation struct {
	Action     string
	ActionType ActionType
	Database   string
	Collection string
	// Target defaults to database[.collection].
	Target string
}

// Recorder opens an Entry per guarded operation and writes it to the
// repository when the entry is finished.
type Recorder struct {
	repo    Repository
	log     logger.Logger
	now     func() time.Time
	timeout time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock replaces time.Now.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder returns a recorder writing to repo. A nil repo discards
// records.
func NewRecorder(repo Repository, log logger.Logger, opts ...RecorderOption) *Recorder {
	if repo == nil {
		repo = NopRepository{}
	}
	if log == nil {
		log = logger.Nop()
	}
	r := &Recorder{repo: repo, log: log, now: time.Now, timeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Repository returns the backing repository for queries.
func (r *Recorder) Repository() Repository { return r.repo }

// Begin starts timing op. The returned entry must be finished exactly
// once; later calls to Finish are ignored.
func (r *Recorder) Begin(ctx context.Context, op Operation) *Entry {
	caller, ok := CallerFrom(ctx)
	if !ok {
		caller = Caller{Endpoint: op.Action, Method: "INTERNAL"}
	}
	target := op.Target
	if target == "" {
		target = op.Database
		if op.Collection != "" {
			target += "." + op.Collection
		}
	}
	return &Entry{
		recorder: r,
		ctx:      context.WithoutCancel(ctx),
		start:    r.now(),
		rec: Record{
			Endpoint:   caller.Endpoint,
			Method:     caller.Method,
			Action:     op.Action,
			ActionType: op.ActionType,
			Target:     target,
			Database:   op.Database,
			Collection: op.Collection,
			UserEmail:  ActorFrom(ctx),
		},
	}
}

// Entry is an audit record being assembled.
type Entry struct {
	recorder *Recorder
	ctx      context.Context
	start    time.Time

	mu      sync.Mutex
	rec     Record
	details map[string]any
	done    bool
}

// Set attaches a detail to the record.
func (e *Entry) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.details == nil {
		e.details = map[string]any{}
	}
	e.details[key] = value
}

// Finish stamps the outcome and duration and writes the record. A nil
// err records success. It reports whether this call wrote the record.
func (e *Entry) Finish(err error, message string) bool {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return false
	}
	e.done = true

	r := e.recorder
	rec := e.rec
	rec.ID = uuid.NewString()
	rec.Timestamp = r.now().UTC()
	rec.DurationMillis = max(rec.Timestamp.Sub(e.start.UTC()).Milliseconds(), 0)
	rec.Message = message
	rec.Status = StatusSuccess
	if err != nil {
		rec.Status = StatusError
		if e.details == nil {
			e.details = map[string]any{}
		}
		e.details["error"] = err.Error()
	}
	rec.Details = e.details
	e.rec = rec
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, r.timeout)
	defer cancel()
	if werr := r.repo.Insert(ctx, rec); werr != nil {
		r.log.Error("audit write failed",
			"action", rec.Action,
			"target", rec.Target,
			"status", string(rec.Status),
			"error", werr.Error(),
		)
	}
	return true
}

// Record returns the record as it stands.
func (e *Entry) Record() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}
