// Package store owns the artifact directories under the backup root:
// {root}/allbackup for full backups and {root}/snapshot for collection
// snapshots. The filesystem is the only source of truth; every listing
// reads the directory again.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/logger"
)

var (
	// ErrNotFound is returned when the named entry does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrExists is returned when a new entry would overwrite another.
	ErrExists = errors.New("artifact already exists")
	// ErrInvalidEntryName is returned for names that would escape the store.
	ErrInvalidEntryName = errors.New("invalid entry name")
)

// Entry describes one artifact directory.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Kind       string    `json:"kind"`
	Database   string    `json:"database,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Label      string    `json:"label,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	SizeBytes  int64     `json:"size"`
}

// Query narrows a listing. Entries whose names do not parse only match
// an empty query.
type Query struct {
	Database   string
	Collection string
	WithSize   bool
}

func (q Query) matches(n artifact.Name, parsed bool) bool {
	if q.Database == "" && q.Collection == "" {
		return true
	}
	if !parsed {
		return false
	}
	if q.Database != "" && n.Database != q.Database {
		return false
	}
	return q.Collection == "" || n.Collection == q.Collection
}

// Dumper writes a target into a directory.
type Dumper interface {
	Dump(ctx context.Context, target database.Target, outDir string) (database.Output, error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now for naming new entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store manages the artifacts of one kind.
type Store struct {
	dir  string
	kind artifact.Kind
	log  logger.Logger
	now  func() time.Time
}

// New returns the store for kind below root.
func New(root string, kind artifact.Kind, opts ...Option) *Store {
	s := &Store{
		dir:  filepath.Join(root, string(kind)),
		kind: kind,
		log:  logger.Nop(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the directory holding the entries.
func (s *Store) Dir() string { return s.dir }

// Kind is the artifact kind of the store.
func (s *Store) Kind() artifact.Kind { return s.kind }

// EnsureDir creates the store directory if it is missing.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store directory %s: %w", s.dir, err)
	}
	return nil
}

// Create dumps target into a new entry. label is used for snapshots
// only; an empty label gets a generated one. The directory is removed
// again when the dump fails.
func (s *Store) Create(ctx context.Context, dumper Dumper, target database.Target, label string) (Entry, error) {
	if err := s.EnsureDir(); err != nil {
		return Entry{}, err
	}

	var name string
	switch s.kind {
	case artifact.KindSnapshot:
		if label == "" {
			label = artifact.NewLabel()
		}
		name = artifact.SnapshotName(target.Database, target.Collection, label, s.now())
	default:
		target.Collection = ""
		name = artifact.BackupName(target.Database, s.now())
	}

	path := filepath.Join(s.dir, name)
	if _, err := os.Lstat(path); err == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrExists, name)
	}

	if _, err := dumper.Dump(ctx, target, path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			s.log.Warn("remove incomplete artifact failed", "path", path, "error", rmErr.Error())
		}
		return Entry{}, err
	}
	s.log.Info("artifact created", "kind", string(s.kind), "name", name)
	return s.Get(name)
}

// List returns the matching entries, newest first. Ties are broken by
// name, descending. A missing store directory lists as empty.
func (s *Store) List(q Query) ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store directory %s: %w", s.dir, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		n, perr := artifact.Parse(s.kind, d.Name())
		if !q.matches(n, perr == nil) {
			continue
		}
		e, err := s.entry(d.Name(), n, perr == nil)
		if err != nil {
			// Removed between ReadDir and Stat.
			s.log.Debug("skip vanished entry", "name", d.Name(), "error", err.Error())
			continue
		}
		if q.WithSize {
			e.SizeBytes = ComputeSize(e.Path, s.log)
		}
		entries = append(entries, e)
	}
	SortNewestFirst(entries)
	return entries, nil
}

// Get returns the entry called name with its size.
func (s *Store) Get(name string) (Entry, error) {
	if err := checkEntryName(name); err != nil {
		return Entry{}, err
	}
	n, perr := artifact.Parse(s.kind, name)
	e, err := s.entry(name, n, perr == nil)
	if err != nil {
		return Entry{}, err
	}
	e.SizeBytes = ComputeSize(e.Path, s.log)
	return e, nil
}

// Path resolves name to its directory and checks that it exists.
func (s *Store) Path(name string) (string, error) {
	if err := checkEntryName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return path, nil
}

// Delete removes the named entry recursively. Deleting a missing entry
// returns ErrNotFound.
func (s *Store) Delete(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	s.log.Info("artifact deleted", "kind", string(s.kind), "name", name)
	return nil
}

func (s *Store) entry(name string, n artifact.Name, parsed bool) (Entry, error) {
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	e := Entry{
		Name:      name,
		Path:      path,
		Kind:      string(s.kind),
		CreatedAt: info.ModTime().UTC(),
	}
	if parsed {
		e.Database = n.Database
		e.Collection = n.Collection
		e.Label = n.Label
		e.CreatedAt = n.Timestamp
	}
	return e, nil
}

// SortNewestFirst orders entries by creation time descending, then by
// name descending.
func SortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Name > entries[j].Name
	})
}

func checkEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidEntryName, name)
	}
	return nil
}
