package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/logger"
	"github.com/kebairia/mongokeeper/internal/metrics"
	"github.com/kebairia/mongokeeper/internal/retention"
	"github.com/kebairia/mongokeeper/internal/store"
)

var (
	// ErrArtifactNotFound is returned when a backup or snapshot does not exist.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrInvalidArgument is returned for malformed names and parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOperationInProgress is returned when another operation holds the target.
	ErrOperationInProgress = errors.New("operation already in progress")
	// ErrDatabaseNotFound is returned when the dump tool reports a missing database.
	ErrDatabaseNotFound = errors.New("database does not exist")
	// ErrUnavailable is returned when a collaborator was not configured.
	ErrUnavailable = errors.New("not available")
)

// Tools runs the external dump, drop and restore commands.
type Tools interface {
	store.Dumper
	Drop(ctx context.Context, target database.Target) (database.Output, error)
	Restore(ctx context.Context, spec database.RestoreSpec) (database.Output, error)
}

// Inspector reads the live server through the driver.
type Inspector interface {
	ListDatabases(ctx context.Context) ([]database.DatabaseInfo, error)
	Status(ctx context.Context) (database.Status, error)
	ListCollections(ctx context.Context, database string) ([]database.CollectionInfo, error)
	SeedDummyData(ctx context.Context, database, collection, kind string, count int) (int, error)
}

// Option configures an OperationManager.
type Option func(*OperationManager)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(om *OperationManager) {
		if l != nil {
			om.log = l
		}
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(om *OperationManager) {
		if r != nil {
			om.recorder = r
		}
	}
}

// WithInspector enables the driver backed operations.
func WithInspector(i Inspector) Option {
	return func(om *OperationManager) { om.inspector = i }
}

// WithClock replaces time.Now for artifact names.
func WithClock(now func() time.Time) Option {
	return func(om *OperationManager) {
		if now != nil {
			om.now = now
		}
	}
}

// OperationManager runs the backup, snapshot, restore and clone
// operations. Every mutating operation is audited exactly once and holds
// a lock on the databases and artifacts it touches.
type OperationManager struct {
	cfg       config.Config
	tools     Tools
	inspector Inspector
	recorder  *audit.Recorder
	log       logger.Logger
	now       func() time.Time

	backups   *store.Store
	snapshots *store.Store

	backupPolicy   retention.Policy
	snapshotPolicy retention.Policy

	locks *lockSet
}

// NewOperationManager wires the stores and retention policies for cfg.
func NewOperationManager(cfg config.Config, tools Tools, opts ...Option) (*OperationManager, error) {
	if tools == nil {
		return nil, fmt.Errorf("new operation manager: %w: no tools", ErrInvalidArgument)
	}
	om := &OperationManager{
		cfg:   cfg,
		tools: tools,
		log:   logger.Nop(),
		now:   time.Now,
		locks: newLockSet(),
	}
	for _, opt := range opts {
		opt(om)
	}
	if om.recorder == nil {
		om.recorder = audit.NewRecorder(nil, om.log)
	}

	storeOpts := []store.Option{store.WithLogger(om.log), store.WithClock(om.now)}
	om.backups = store.New(cfg.Backup.Directory, artifact.KindBackup, storeOpts...)
	om.snapshots = store.New(cfg.Backup.Directory, artifact.KindSnapshot, storeOpts...)
	om.backupPolicy = retention.Policy{KeepLimit: cfg.Backup.KeepBackups}
	om.snapshotPolicy = retention.Policy{KeepLimit: cfg.Backup.KeepSnapshots}

	for _, s := range []*store.Store{om.backups, om.snapshots} {
		if err := s.EnsureDir(); err != nil {
			return nil, err
		}
	}
	return om, nil
}

// Backups is the full backup store.
func (om *OperationManager) Backups() *store.Store { return om.backups }

// Snapshots is the snapshot store.
func (om *OperationManager) Snapshots() *store.Store { return om.snapshots }

func (om *OperationManager) storeFor(kind artifact.Kind) *store.Store {
	if kind == artifact.KindSnapshot {
		return om.snapshots
	}
	return om.backups
}

// guard runs fn as one audited operation. The audit entry is finished
// exactly once, also when fn panics.
func (om *OperationManager) guard(ctx context.Context, op audit.Operation, fn func(e *audit.Entry) (string, error)) (err error) {
	entry := om.recorder.Begin(ctx, op)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			perr := fmt.Errorf("panic: %v", p)
			entry.Finish(perr, failureMessage(op.Action, perr))
			metrics.ObserveOperation(op.Action, string(audit.StatusError), time.Since(start))
			om.log.Error("operation panicked", "action", op.Action, "target", entry.Record().Target, "panic", fmt.Sprint(p))
			panic(p)
		}
	}()

	message, err := fn(entry)
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusError
		message = failureMessage(op.Action, err)
		if stderr := database.Stderr(err); stderr != "" {
			entry.Set("stderr", stderr)
		}
		om.log.Error("operation failed", "action", op.Action, "target", entry.Record().Target, "error", err.Error())
	}
	entry.Finish(err, message)
	metrics.ObserveOperation(op.Action, string(status), time.Since(start))
	return err
}

// failureMessage is the user facing summary of err. Tool stderr is never
// part of it.
func failureMessage(action string, err error) string {
	var (
		reported *database.ToolReportedError
		executed *database.ToolExecutionError
	)
	reason := "internal error"
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		reason = "artifact not found"
	case errors.Is(err, ErrDatabaseNotFound):
		reason = ErrDatabaseNotFound.Error()
	case errors.Is(err, ErrInvalidArgument):
		reason = err.Error()
	case errors.Is(err, ErrOperationInProgress):
		reason = "another operation is running on this target"
	case errors.Is(err, database.ErrTimeout):
		reason = "operation timed out"
	case errors.As(err, &reported):
		reason = reported.Tool + " reported an error"
	case errors.As(err, &executed):
		reason = executed.Tool + " failed"
	}
	return action + " failed: " + reason
}

func invalidArgument(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
}

func notFound(kind artifact.Kind, name string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidEntryName) {
		return fmt.Errorf("%w: %s %q", ErrArtifactNotFound, kind, name)
	}
	return err
}

func validateTarget(t database.Target) error {
	if err := artifact.ValidateDatabase(t.Database); err != nil {
		return invalidArgument(err)
	}
	if t.Collection != "" {
		if err := artifact.ValidateCollection(t.Collection); err != nil {
			return invalidArgument(err)
		}
	}
	return nil
}
