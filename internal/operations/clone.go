package operations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/database"
)

// CloneReport describes a finished clone.
type CloneReport struct {
	Source        string `json:"sourceDatabase"`
	Target        string `json:"targetDatabase"`
	DumpMillis    int64  `json:"dumpDuration"`
	RestoreMillis int64  `json:"restoreDuration"`
}

// CloneDatabase copies source into target through a temporary dump.
// Collections present in the dump replace those of target; the temporary
// directory is removed whatever the outcome.
func (om *OperationManager) CloneDatabase(ctx context.Context, source, target string) (CloneReport, error) {
	report := CloneReport{Source: source, Target: target}
	op := audit.Operation{
		Action:     "cloneDatabase",
		ActionType: audit.ActionOther,
		Database:   target,
		Target:     source + " -> " + target,
	}
	err := om.guard(ctx, op, func(e *audit.Entry) (string, error) {
		src := database.Target{Database: source}
		dst := database.Target{Database: target}
		if err := validateTarget(src); err != nil {
			return "", err
		}
		if err := validateTarget(dst); err != nil {
			return "", err
		}
		if source == target {
			return "", fmt.Errorf("%w: source and target database are the same", ErrInvalidArgument)
		}
		release, err := om.locks.lockTargets(op.Action, src, dst)
		if err != nil {
			return "", err
		}
		defer release()

		tmp := filepath.Join(om.tempDir(), fmt.Sprintf("%s_clone_%s", source, uuid.NewString()))
		defer func() {
			if err := os.RemoveAll(tmp); err != nil {
				om.log.Warn("clone cleanup failed", "path", tmp, "error", err.Error())
			}
		}()

		om.log.Info("clone started", "source", source, "target", target)
		out, err := om.tools.Dump(ctx, src, tmp)
		report.DumpMillis = out.Duration.Milliseconds()
		if err != nil {
			return "", fmt.Errorf("clone %s: %w", source, err)
		}
		out, err = om.tools.Restore(ctx, database.RestoreSpec{Target: dst, Source: src, Path: tmp})
		report.RestoreMillis = out.Duration.Milliseconds()
		if err != nil {
			return "", fmt.Errorf("clone %s into %s: %w", source, target, err)
		}

		e.Set("sourceDatabase", source)
		e.Set("targetDatabase", target)
		e.Set("dumpDuration", report.DumpMillis)
		e.Set("restoreDuration", report.RestoreMillis)
		om.log.Info("clone completed", "source", source, "target", target,
			"duration", (time.Duration(report.DumpMillis+report.RestoreMillis) * time.Millisecond).String())
		return fmt.Sprintf("%s cloned into %s", source, target), nil
	})
	return report, err
}

func (om *OperationManager) tempDir() string {
	if om.cfg.Backup.TempDirectory != "" {
		return om.cfg.Backup.TempDirectory
	}
	return os.TempDir()
}
