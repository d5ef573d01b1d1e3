package operations

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/store"
)

// Storage kinds accepted by StorageUsage.
const (
	StorageBackup   = "backup"
	StorageSnapshot = "snapshot"
	StorageAll      = "all"
)

// StorageUsage measures the backup directory, the snapshot directory or
// the whole root.
func (om *OperationManager) StorageUsage(ctx context.Context, kind string) (store.Usage, error) {
	var path string
	switch kind {
	case StorageBackup, string(artifact.KindBackup):
		path = om.backups.Dir()
	case StorageSnapshot:
		path = om.snapshots.Dir()
	case StorageAll, "":
		path = om.cfg.Backup.Directory
	default:
		return store.Usage{}, fmt.Errorf("%w: unknown storage kind %q", ErrInvalidArgument, kind)
	}
	return store.DiskUsage(path, om.log)
}

// ExportArchive streams the named artifact as tar+zstd to w. Retention
// cannot remove the artifact while it is being written.
func (om *OperationManager) ExportArchive(ctx context.Context, kind artifact.Kind, name string, w io.Writer) error {
	release, err := om.locks.lockArtifact("exportArchive", kind, name)
	if err != nil {
		return err
	}
	defer release()

	if err := om.storeFor(kind).Archive(ctx, name, w); err != nil {
		return notFound(kind, name, err)
	}
	om.log.Info("archive exported", "kind", kind, "name", name)
	return nil
}

func (om *OperationManager) requireInspector() error {
	if om.inspector == nil {
		return fmt.Errorf("mongodb inspection: %w", ErrUnavailable)
	}
	return nil
}

// ListDatabases lists the user databases of the server.
func (om *OperationManager) ListDatabases(ctx context.Context) ([]database.DatabaseInfo, error) {
	if err := om.requireInspector(); err != nil {
		return nil, err
	}
	return om.inspector.ListDatabases(ctx)
}

// DatabaseStatus reports server and per database statistics.
func (om *OperationManager) DatabaseStatus(ctx context.Context) (database.Status, error) {
	if err := om.requireInspector(); err != nil {
		return database.Status{}, err
	}
	return om.inspector.Status(ctx)
}

// ListCollections lists the collections of db with their statistics.
func (om *OperationManager) ListCollections(ctx context.Context, db string) ([]database.CollectionInfo, error) {
	if err := artifact.ValidateDatabase(db); err != nil {
		return nil, invalidArgument(err)
	}
	if err := om.requireInspector(); err != nil {
		return nil, err
	}
	return om.inspector.ListCollections(ctx, db)
}

// SeedDummyData inserts count generated documents of kind into
// db.collection.
func (om *OperationManager) SeedDummyData(ctx context.Context, db, collection, kind string, count int) (int, error) {
	var inserted int
	target := database.Target{Database: db, Collection: collection}
	op := audit.Operation{Action: "seedDummyData", ActionType: audit.ActionOther, Database: db, Collection: collection}
	err := om.guard(ctx, op, func(e *audit.Entry) (string, error) {
		if collection == "" {
			return "", fmt.Errorf("%w: collection is required", ErrInvalidArgument)
		}
		if err := validateTarget(target); err != nil {
			return "", err
		}
		if count < 1 || count > database.MaxSeedCount {
			return "", fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidArgument, database.MaxSeedCount)
		}
		if err := om.requireInspector(); err != nil {
			return "", err
		}
		release, err := om.locks.lockTargets(op.Action, target)
		if err != nil {
			return "", err
		}
		defer release()

		n, err := om.inspector.SeedDummyData(ctx, db, collection, kind, count)
		if errors.Is(err, database.ErrInvalidSeed) {
			return "", invalidArgument(err)
		}
		if err != nil {
			return "", err
		}
		inserted = n
		e.Set("dataType", kind)
		e.Set("count", n)
		return fmt.Sprintf("%d documents inserted into %s", n, target), nil
	})
	return inserted, err
}

// History queries the audit repository.
func (om *OperationManager) History(ctx context.Context, f audit.Filter) (audit.Page, error) {
	return om.recorder.Repository().Query(ctx, f)
}

// HistoryStats summarises the audit repository.
func (om *OperationManager) HistoryStats(ctx context.Context) (audit.Stats, error) {
	return om.recorder.Repository().Stats(ctx)
}
