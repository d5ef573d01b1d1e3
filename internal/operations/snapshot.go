package operations

import (
	"context"
	"fmt"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/store"
)

// SnapshotResult is the outcome of a successful snapshot.
type SnapshotResult struct {
	Snapshot         store.Entry `json:"snapshot"`
	DeletedSnapshots []string    `json:"deletedSnapshots"`
	PruneFailures    []string    `json:"pruneFailures,omitempty"`
}

// CreateSnapshot dumps one collection into a new snapshot. An empty
// label is replaced by a generated one. Snapshots of the same
// collection past the keep limit are pruned afterwards.
func (om *OperationManager) CreateSnapshot(ctx context.Context, db, collection, label string) (SnapshotResult, error) {
	var res SnapshotResult
	target := database.Target{Database: db, Collection: collection}
	op := audit.Operation{Action: "createSnapshot", ActionType: audit.ActionSnapshot, Database: db, Collection: collection}
	err := om.guard(ctx, op, func(e *audit.Entry) (string, error) {
		if collection == "" {
			return "", fmt.Errorf("%w: collection is required", ErrInvalidArgument)
		}
		if err := validateTarget(target); err != nil {
			return "", err
		}
		if label != "" {
			if err := artifact.ValidateLabel(label); err != nil {
				return "", invalidArgument(err)
			}
		}
		release, err := om.locks.lockTargets(op.Action, target)
		if err != nil {
			return "", err
		}
		defer release()

		om.log.Info("snapshot started", "database", db, "collection", collection)
		entry, err := om.snapshots.Create(ctx, om.tools, target, label)
		if err != nil {
			return "", fmt.Errorf("snapshot %s: %w", target, err)
		}
		res.Snapshot = entry
		res.DeletedSnapshots, res.PruneFailures = om.prune(om.snapshots, om.snapshotPolicy,
			store.Query{Database: db, Collection: collection})

		e.Set("snapshotName", entry.Name)
		e.Set("snapshotPath", entry.Path)
		e.Set("size", entry.SizeBytes)
		e.Set("deletedSnapshots", res.DeletedSnapshots)
		om.log.Info("snapshot completed", "target", target.String(), "snapshot", entry.Name, "pruned", len(res.DeletedSnapshots))
		return fmt.Sprintf("snapshot %s created", entry.Name), nil
	})
	return res, err
}

// ListSnapshots lists snapshots newest first, narrowed by db and
// collection when set.
func (om *OperationManager) ListSnapshots(ctx context.Context, db, collection string) ([]store.Entry, error) {
	if db != "" {
		if err := artifact.ValidateDatabase(db); err != nil {
			return nil, invalidArgument(err)
		}
	}
	return om.snapshots.List(store.Query{Database: db, Collection: collection, WithSize: true})
}

// DeleteSnapshot removes one snapshot.
func (om *OperationManager) DeleteSnapshot(ctx context.Context, name string) error {
	return om.deleteArtifact(ctx, artifact.KindSnapshot, name, "deleteSnapshot")
}
