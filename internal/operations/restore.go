package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/database"
)

// Phase is a step of the restore state machine.
type Phase string

const (
	PhaseStart          Phase = "start"
	PhaseLocateArtifact Phase = "locate_artifact"
	PhaseDropTarget     Phase = "drop_target"
	PhaseRunRestore     Phase = "run_restore"
	PhaseClassifyOutput Phase = "classify_output"
	PhaseSuccess        Phase = "success"
	PhaseFailure        Phase = "failure"
)

// RestoreReport describes one restore run. FailedPhase is set when
// Phase is PhaseFailure.
type RestoreReport struct {
	Artifact         string `json:"artifact"`
	Target           string `json:"target"`
	Phase            Phase  `json:"phase"`
	FailedPhase      Phase  `json:"failedPhase,omitempty"`
	SourceDatabase   string `json:"sourceDatabase,omitempty"`
	SourceCollection string `json:"sourceCollection,omitempty"`
	DropMillis       int64  `json:"dropDuration"`
	RestoreMillis    int64  `json:"restoreDuration"`
	DurationMillis   int64  `json:"duration"`
}

// PhaseError is a restore failure together with the phase it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }

func (e *PhaseError) Unwrap() error { return e.Err }

// RestoreBackup replaces db with the contents of the named full backup.
// An empty db restores into the database the backup was taken from.
func (om *OperationManager) RestoreBackup(ctx context.Context, name, db string) (RestoreReport, error) {
	return om.runRestore(ctx, "restoreBackup", artifact.KindBackup, name, database.Target{Database: db})
}

// RestoreSnapshot replaces db.collection with the contents of the named
// snapshot. Empty db or collection default to the snapshot's own.
func (om *OperationManager) RestoreSnapshot(ctx context.Context, name, db, collection string) (RestoreReport, error) {
	return om.runRestore(ctx, "restoreSnapshot", artifact.KindSnapshot, name, database.Target{Database: db, Collection: collection})
}

func (om *OperationManager) runRestore(ctx context.Context, action string, kind artifact.Kind, name string, target database.Target) (RestoreReport, error) {
	report := RestoreReport{Artifact: name, Phase: PhaseStart}
	op := audit.Operation{Action: action, ActionType: audit.ActionRestore, Database: target.Database, Collection: target.Collection}
	if target.Database == "" {
		op.Target = name
	}
	err := om.guard(ctx, op, func(e *audit.Entry) (string, error) {
		e.Set("artifact", name)
		err := om.restore(ctx, action, kind, name, target, &report)
		e.Set("phase", string(report.Phase))
		e.Set("target", report.Target)
		e.Set("dropDuration", report.DropMillis)
		e.Set("restoreDuration", report.RestoreMillis)
		if err != nil {
			e.Set("failedPhase", string(report.FailedPhase))
			return "", err
		}
		return fmt.Sprintf("%s restored into %s", name, report.Target), nil
	})
	return report, err
}

// restore walks LOCATE_ARTIFACT, DROP_TARGET, RUN_RESTORE and
// CLASSIFY_OUTPUT in order. The drop always completes before the
// restore tool starts; any failure ends the run in PhaseFailure.
func (om *OperationManager) restore(ctx context.Context, action string, kind artifact.Kind, name string, target database.Target, report *RestoreReport) (err error) {
	start := time.Now()
	defer func() {
		report.DurationMillis = time.Since(start).Milliseconds()
		if err != nil {
			report.FailedPhase = report.Phase
			report.Phase = PhaseFailure
			err = &PhaseError{Phase: report.FailedPhase, Err: err}
			return
		}
		report.Phase = PhaseSuccess
	}()

	report.Phase = PhaseLocateArtifact
	s := om.storeFor(kind)
	releaseArtifact, err := om.locks.lockArtifact(action, kind, name)
	if err != nil {
		return err
	}
	defer releaseArtifact()

	path, err := s.Path(name)
	if err != nil {
		return notFound(kind, name, err)
	}
	source, err := artifact.Parse(kind, name)
	if err != nil {
		return invalidArgument(err)
	}
	if target.Database == "" {
		target.Database = source.Database
	}
	if kind == artifact.KindSnapshot && target.Collection == "" {
		target.Collection = source.Collection
	}
	if kind == artifact.KindBackup && target.Collection != "" {
		return fmt.Errorf("%w: a full backup restores a whole database", ErrInvalidArgument)
	}
	if err := validateTarget(target); err != nil {
		return err
	}
	report.Target = target.String()
	report.SourceDatabase = source.Database
	report.SourceCollection = source.Collection

	releaseTarget, err := om.locks.lockTargets(action, target)
	if err != nil {
		return err
	}
	defer releaseTarget()

	om.log.Info("restore started", "artifact", name, "target", target.String())

	report.Phase = PhaseDropTarget
	out, err := om.tools.Drop(ctx, target)
	report.DropMillis = out.Duration.Milliseconds()
	if err != nil {
		return err
	}

	report.Phase = PhaseRunRestore
	out, err = om.tools.Restore(ctx, database.RestoreSpec{
		Target: target,
		Source: database.Target{Database: source.Database, Collection: source.Collection},
		Path:   path,
	})
	report.RestoreMillis = out.Duration.Milliseconds()
	var reported *database.ToolReportedError
	if errors.As(err, &reported) {
		report.Phase = PhaseClassifyOutput
	}
	if err != nil {
		return err
	}

	om.log.Info("restore completed", "artifact", name, "target", target.String(),
		"drop", report.DropMillis, "restore", report.RestoreMillis)
	return nil
}
