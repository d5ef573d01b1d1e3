// Package retention keeps a bounded number of artifacts per group and
// deletes the rest.
package retention

import (
	"fmt"
	"strings"

	"github.com/kebairia/mongokeeper/internal/logger"
	"github.com/kebairia/mongokeeper/internal/store"
)

// Source is the part of a store a cleanup pass needs.
type Source interface {
	List(q store.Query) ([]store.Entry, error)
	Delete(name string) error
}

// Policy keeps the KeepLimit newest entries of a group.
type Policy struct {
	KeepLimit int
}

// Result is the outcome of deleting one entry. Err is nil when the
// entry was removed.
type Result struct {
	Entry store.Entry
	Err   error
}

// Deleted reports whether the entry was removed.
func (r Result) Deleted() bool { return r.Err == nil }

// Split partitions entries, which must already be ordered newest
// first, into the ones to keep and the ones to delete.
func (p Policy) Split(entries []store.Entry) (keep, remove []store.Entry) {
	limit := p.KeepLimit
	if limit < 0 {
		limit = 0
	}
	if len(entries) <= limit {
		return entries, nil
	}
	return entries[:limit], entries[limit:]
}

// Cleanup lists the group selected by q and deletes every entry past
// KeepLimit. Each deletion is attempted independently. The returned
// error is only set when the group could not be listed.
func (p Policy) Cleanup(src Source, q store.Query, log logger.Logger) ([]Result, error) {
	if log == nil {
		log = logger.Nop()
	}
	q.WithSize = false
	entries, err := src.List(q)
	if err != nil {
		return nil, fmt.Errorf("list retention group: %w", err)
	}
	store.SortNewestFirst(entries)

	_, remove := p.Split(entries)
	results := make([]Result, 0, len(remove))
	for _, e := range remove {
		err := src.Delete(e.Name)
		if err != nil {
			log.Warn("retention delete failed", "name", e.Name, "error", err.Error())
		} else {
			log.Info("retention deleted", "name", e.Name)
		}
		results = append(results, Result{Entry: e, Err: err})
	}
	return results, nil
}

// PartialCleanupError summarises the failed deletions of a pass.
type PartialCleanupError struct {
	Failed []Result
}

func (e *PartialCleanupError) Error() string {
	names := make([]string, len(e.Failed))
	for i, r := range e.Failed {
		names[i] = r.Entry.Name
	}
	return fmt.Sprintf("retention could not delete %d entries: %s", len(e.Failed), strings.Join(names, ", "))
}

// Failures returns a *PartialCleanupError for the failed results, or
// nil when everything was deleted.
func Failures(results []Result) error {
	var failed []Result
	for _, r := range results {
		if !r.Deleted() {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &PartialCleanupError{Failed: failed}
}

// Deleted returns the names of the removed entries.
func Deleted(results []Result) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		if r.Deleted() {
			names = append(names, r.Entry.Name)
		}
	}
	return names
}

// GroupStats counts the entries of one group against the limit.
type GroupStats struct {
	Total   int `json:"total"`
	Kept    int `json:"kept"`
	Deleted int `json:"deleted"`
}

// Summarize groups backup entries by database and reports how many
// fall within the limit. Entries without a database are ignored.
func (p Policy) Summarize(entries []store.Entry) map[string]GroupStats {
	stats := map[string]GroupStats{}
	for _, e := range entries {
		if e.Database == "" {
			continue
		}
		s := stats[e.Database]
		s.Total++
		stats[e.Database] = s
	}
	for db, s := range stats {
		s.Kept = min(s.Total, p.KeepLimit)
		s.Deleted = s.Total - s.Kept
		stats[db] = s
	}
	return stats
}
