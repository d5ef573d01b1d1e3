package store

import (
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/kebairia/mongokeeper/internal/logger"
)

// Usage reports how much space a store root takes and what the
// underlying filesystem has left.
type Usage struct {
	Path       string  `json:"path"`
	Used       int64   `json:"usedSpace"`
	Total      int64   `json:"totalSpace"`
	Available  int64   `json:"availableSpace"`
	Percentage float64 `json:"usagePercentage"`
}

// ComputeSize sums the sizes of the regular files below path. Entries
// that cannot be read are logged and count as zero.
func ComputeSize(path string, log logger.Logger) int64 {
	return sizeOf(os.DirFS(path), ".", log)
}

func sizeOf(fsys fs.FS, root string, log logger.Logger) int64 {
	if log == nil {
		log = logger.Nop()
	}
	var total int64
	_ = fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn("size walk skipped entry", "path", p, "error", err.Error())
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.Warn("size stat failed", "path", p, "error", err.Error())
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

// DiskUsage measures path, creating it when missing.
func DiskUsage(path string, log logger.Logger) (Usage, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Usage{}, fmt.Errorf("create %s: %w", path, err)
	}
	total, available, err := filesystemSpace(path)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{
		Path:      path,
		Used:      ComputeSize(path, log),
		Total:     total,
		Available: available,
	}
	if total > 0 {
		u.Percentage = math.Round(float64(u.Used)/float64(total)*1000) / 10
	}
	return u, nil
}
