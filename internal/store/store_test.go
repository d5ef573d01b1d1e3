package store

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/database"
)

type dumpFunc func(ctx context.Context, target database.Target, outDir string) (database.Output, error)

func (f dumpFunc) Dump(ctx context.Context, target database.Target, outDir string) (database.Output, error) {
	return f(ctx, target, outDir)
}

func writeDump(_ context.Context, target database.Target, outDir string) (database.Output, error) {
	coll := target.Collection
	if coll == "" {
		coll = "items"
	}
	dir := filepath.Join(outDir, target.Database)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return database.Output{}, err
	}
	return database.Output{}, os.WriteFile(filepath.Join(dir, coll+".bson"), []byte("12345"), 0o644)
}

func fixedClock(ts ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := ts[i%len(ts)]
		i++
		return t
	}
}

func mkEntry(t *testing.T, s *Store, name string, size int) {
	t.Helper()
	dir := filepath.Join(s.Dir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bson"), bytes.Repeat([]byte("x"), size), 0o644))
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStore_CreateBackup(t *testing.T) {
	s := New(t.TempDir(), artifact.KindBackup, WithClock(fixedClock(base)))

	e, err := s.Create(context.Background(), dumpFunc(writeDump), database.Target{Database: "shop", Collection: "ignored"}, "")
	require.NoError(t, err)
	assert.Equal(t, "shop_2024-01-01T00-00-00-000Z", e.Name)
	assert.Equal(t, "shop", e.Database)
	assert.Empty(t, e.Collection)
	assert.Equal(t, int64(5), e.SizeBytes)
	assert.DirExists(t, filepath.Join(s.Dir(), e.Name, "shop"))
}

func TestStore_CreateSnapshotGeneratesLabel(t *testing.T) {
	s := New(t.TempDir(), artifact.KindSnapshot, WithClock(fixedClock(base)))

	e, err := s.Create(context.Background(), dumpFunc(writeDump), database.Target{Database: "shop", Collection: "users"}, "")
	require.NoError(t, err)
	assert.Equal(t, "users", e.Collection)
	assert.Len(t, e.Label, 20)

	e, err = s.Create(context.Background(), dumpFunc(writeDump), database.Target{Database: "shop", Collection: "users"}, "before-migration")
	require.NoError(t, err)
	assert.Equal(t, "shop_users_before-migration_2024-01-01T00-00-00-000Z", e.Name)
}

func TestStore_CreateFailureRemovesPartialOutput(t *testing.T) {
	s := New(t.TempDir(), artifact.KindBackup, WithClock(fixedClock(base)))
	boom := errors.New("boom")

	_, err := s.Create(context.Background(), dumpFunc(func(ctx context.Context, target database.Target, out string) (database.Output, error) {
		_, _ = writeDump(ctx, target, out)
		return database.Output{}, boom
	}), database.Target{Database: "shop"}, "")
	require.ErrorIs(t, err, boom)

	entries, err := s.List(Query{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_CreateRefusesExisting(t *testing.T) {
	s := New(t.TempDir(), artifact.KindBackup, WithClock(fixedClock(base)))
	mkEntry(t, s, artifact.BackupName("shop", base), 1)

	_, err := s.Create(context.Background(), dumpFunc(writeDump), database.Target{Database: "shop"}, "")
	require.ErrorIs(t, err, ErrExists)
}

func TestStore_ListNewestFirstAndFiltered(t *testing.T) {
	s := New(t.TempDir(), artifact.KindBackup)
	mkEntry(t, s, artifact.BackupName("shop", base), 1)
	mkEntry(t, s, artifact.BackupName("shop", base.Add(2*time.Hour)), 2)
	mkEntry(t, s, artifact.BackupName("shop", base.Add(time.Hour)), 3)
	mkEntry(t, s, artifact.BackupName("shop_old", base.Add(3*time.Hour)), 4)
	mkEntry(t, s, "not-an-artifact", 5)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "stray.txt"), nil, 0o644))

	all, err := s.List(Query{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	shop, err := s.List(Query{Database: "shop", WithSize: true})
	require.NoError(t, err)
	require.Len(t, shop, 3)
	assert.Equal(t, artifact.BackupName("shop", base.Add(2*time.Hour)), shop[0].Name)
	assert.Equal(t, artifact.BackupName("shop", base.Add(time.Hour)), shop[1].Name)
	assert.Equal(t, artifact.BackupName("shop", base), shop[2].Name)
	assert.Equal(t, int64(2), shop[0].SizeBytes)
}

func TestStore_ListMissingDirectory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), artifact.KindSnapshot)
	entries, err := s.List(Query{Database: "shop"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSortNewestFirst_TieBreaksByName(t *testing.T) {
	entries := []Entry{
		{Name: "a", CreatedAt: base},
		{Name: "c", CreatedAt: base},
		{Name: "b", CreatedAt: base.Add(-time.Second)},
	}
	SortNewestFirst(entries)
	assert.Equal(t, []string{"c", "a", "b"}, []string{entries[0].Name, entries[1].Name, entries[2].Name})
}

func TestStore_Delete(t *testing.T) {
	s := New(t.TempDir(), artifact.KindSnapshot)
	name := artifact.SnapshotName("shop", "users", "x", base)
	mkEntry(t, s, name, 1)

	require.NoError(t, s.Delete(name))
	assert.NoDirExists(t, filepath.Join(s.Dir(), name))
	require.ErrorIs(t, s.Delete(name), ErrNotFound)
	require.ErrorIs(t, s.Delete("missing_xyz"), ErrNotFound)
}

func TestStore_RejectsEscapingNames(t *testing.T) {
	s := New(t.TempDir(), artifact.KindBackup)
	for _, name := range []string{"", ".", "..", "../allbackup", "a/b", `a\b`} {
		_, err := s.Path(name)
		assert.ErrorIs(t, err, ErrInvalidEntryName, name)
	}
}

func TestComputeSize_SkipsUnreadableEntries(t *testing.T) {
	fsys := brokenFS{
		MapFS: fstest.MapFS{
			"a.bson":          {Data: []byte("12345")},
			"sub/b.bson":      {Data: []byte("123")},
			"sub/locked.bson": {Data: []byte("1234567")},
		},
		broken: "sub/locked.bson",
	}
	assert.Equal(t, int64(8), sizeOf(fsys, ".", nil))
}

type brokenFS struct {
	fstest.MapFS
	broken string
}

func (b brokenFS) ReadDir(name string) ([]fs.DirEntry, error) {
	entries, err := b.MapFS.ReadDir(name)
	for i, e := range entries {
		if path.Join(name, e.Name()) == b.broken {
			entries[i] = brokenEntry{e}
		}
	}
	return entries, err
}

type brokenEntry struct{ fs.DirEntry }

func (brokenEntry) Info() (fs.FileInfo, error) { return nil, fs.ErrPermission }

func TestDiskUsage(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backups")
	s := New(root, artifact.KindBackup)
	mkEntry(t, s, artifact.BackupName("shop", base), 2048)

	u, err := DiskUsage(root, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), u.Used)
	assert.Positive(t, u.Total)
	assert.GreaterOrEqual(t, u.Percentage, 0.0)
}

func TestStore_Archive(t *testing.T) {
	s := New(t.TempDir(), artifact.KindBackup)
	name := artifact.BackupName("shop", base)
	mkEntry(t, s, name, 16)

	var buf bytes.Buffer
	require.NoError(t, s.Archive(context.Background(), name, &buf))

	zr, err := zstd.NewReader(&buf)
	require.NoError(t, err)
	defer zr.Close()

	files := map[string]int64{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		files[hdr.Name] = hdr.Size
	}
	assert.Equal(t, int64(16), files[name+"/data.bson"])
	assert.Contains(t, files, name+"/")

	require.ErrorIs(t, s.Archive(context.Background(), "missing_xyz", io.Discard), ErrNotFound)
}
