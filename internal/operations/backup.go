package operations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/metrics"
	"github.com/kebairia/mongokeeper/internal/retention"
	"github.com/kebairia/mongokeeper/internal/store"
)

// BackupResult is the outcome of a successful backup.
type BackupResult struct {
	Backup         store.Entry `json:"backup"`
	DeletedBackups []string    `json:"deletedBackups"`
	PruneFailures  []string    `json:"pruneFailures,omitempty"`
}

// BackupList is a listing of full backups with retention statistics.
type BackupList struct {
	Backups               []store.Entry                   `json:"backups"`
	Stats                 map[string]retention.GroupStats `json:"stats"`
	MaxBackupsPerDatabase int                             `json:"maxBackupsPerDatabase"`
}

// missingDatabaseMarkers are stderr fragments mongodump prints when the
// database cannot be reached or does not exist.
var missingDatabaseMarkers = []string{"doesn't exist", "not found", "No database", "Failed to connect"}

// CreateBackup dumps db into a new full backup and prunes the oldest
// backups of db past the keep limit.
func (om *OperationManager) CreateBackup(ctx context.Context, db string) (BackupResult, error) {
	return om.createBackup(ctx, db, "createBackup", audit.ActionBackup)
}

// CronBackup is CreateBackup attributed to the scheduler.
func (om *OperationManager) CronBackup(ctx context.Context, db string) (BackupResult, error) {
	ctx = audit.WithActor(ctx, audit.CronActor)
	return om.createBackup(ctx, db, "cronBackup", audit.ActionCron)
}

func (om *OperationManager) createBackup(ctx context.Context, db, action string, actionType audit.ActionType) (BackupResult, error) {
	var res BackupResult
	op := audit.Operation{Action: action, ActionType: actionType, Database: db}
	err := om.guard(ctx, op, func(e *audit.Entry) (string, error) {
		target := database.Target{Database: db}
		if err := validateTarget(target); err != nil {
			return "", err
		}
		release, err := om.locks.lockTargets(action, target)
		if err != nil {
			return "", err
		}
		defer release()

		om.log.Info("backup started", "database", db)
		entry, err := om.backups.Create(ctx, om.tools, target, "")
		if err != nil {
			if isMissingDatabase(err) {
				return "", fmt.Errorf("backup %s: %w: %w", db, ErrDatabaseNotFound, err)
			}
			return "", fmt.Errorf("backup %s: %w", db, err)
		}
		res.Backup = entry
		res.DeletedBackups, res.PruneFailures = om.prune(om.backups, om.backupPolicy, store.Query{Database: db})

		e.Set("backupName", entry.Name)
		e.Set("backupPath", entry.Path)
		e.Set("size", entry.SizeBytes)
		e.Set("deletedBackups", res.DeletedBackups)
		om.log.Info("backup completed", "database", db, "backup", entry.Name, "size", entry.SizeBytes, "pruned", len(res.DeletedBackups))
		return fmt.Sprintf("backup %s created", entry.Name), nil
	})
	return res, err
}

func isMissingDatabase(err error) bool {
	stderr := database.Stderr(err)
	for _, marker := range missingDatabaseMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// BackupMany backs up every database in parallel. Each database is an
// independent audited operation; the returned error joins the failures.
func (om *OperationManager) BackupMany(ctx context.Context, dbs []string) ([]BackupResult, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]BackupResult, 0, len(dbs))
		errs    = make(chan error, len(dbs))
	)
	for _, db := range dbs {
		wg.Add(1)
		go func(db string) {
			defer wg.Done()
			res, err := om.CreateBackup(ctx, db)
			if err != nil {
				errs <- fmt.Errorf("backup failed for %q: %w", db, err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(db)
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return results, errors.Join(all...)
}

// ListBackups lists full backups newest first, all databases when db is
// empty.
func (om *OperationManager) ListBackups(ctx context.Context, db string) (BackupList, error) {
	if db != "" {
		if err := artifact.ValidateDatabase(db); err != nil {
			return BackupList{}, invalidArgument(err)
		}
	}
	entries, err := om.backups.List(store.Query{Database: db, WithSize: true})
	if err != nil {
		return BackupList{}, err
	}
	return BackupList{
		Backups:               entries,
		Stats:                 om.backupPolicy.Summarize(entries),
		MaxBackupsPerDatabase: om.backupPolicy.KeepLimit,
	}, nil
}

// DeleteBackup removes one full backup.
func (om *OperationManager) DeleteBackup(ctx context.Context, name string) error {
	return om.deleteArtifact(ctx, artifact.KindBackup, name, "deleteBackup")
}

func (om *OperationManager) deleteArtifact(ctx context.Context, kind artifact.Kind, name, action string) error {
	op := audit.Operation{Action: action, ActionType: audit.ActionOther, Target: name}
	if n, err := artifact.Parse(kind, name); err == nil {
		op.Database, op.Collection = n.Database, n.Collection
	}
	return om.guard(ctx, op, func(e *audit.Entry) (string, error) {
		release, err := om.locks.lockArtifact(action, kind, name)
		if err != nil {
			return "", err
		}
		defer release()

		s := om.storeFor(kind)
		if err := s.Delete(name); err != nil {
			return "", notFound(kind, name, err)
		}
		e.Set("name", name)
		om.log.Info("artifact deleted", "kind", kind, "name", name)
		return fmt.Sprintf("%s %s deleted", kind, name), nil
	})
}

// prune runs one retention pass over the group selected by q. Failures
// are logged and reported, never returned as an error.
func (om *OperationManager) prune(s *store.Store, p retention.Policy, q store.Query) (deleted, failed []string) {
	results, err := p.Cleanup(lockedSource{Store: s, locks: om.locks}, q, om.log)
	if err != nil {
		om.log.Warn("retention skipped", "kind", s.Kind(), "error", err.Error())
		return []string{}, nil
	}
	deleted = retention.Deleted(results)
	if ferr := retention.Failures(results); ferr != nil {
		var partial *retention.PartialCleanupError
		if errors.As(ferr, &partial) {
			for _, r := range partial.Failed {
				failed = append(failed, r.Entry.Name)
			}
		}
		om.log.Warn("retention incomplete", "kind", s.Kind(), "error", ferr.Error())
	}
	metrics.ObserveRetention(string(s.Kind()), len(deleted), len(failed))
	return deleted, failed
}

// lockedSource deletes through the lock set so that retention never
// removes an artifact that is being restored or exported.
type lockedSource struct {
	*store.Store
	locks *lockSet
}

func (s lockedSource) Delete(name string) error {
	release, err := s.locks.lockArtifact("retention", s.Kind(), name)
	if err != nil {
		return err
	}
	defer release()
	return s.Store.Delete(name)
}
