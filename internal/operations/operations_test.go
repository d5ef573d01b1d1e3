package operations

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/database/databasetest"
	"github.com/kebairia/mongokeeper/internal/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type OperationsSuite struct {
	suite.Suite

	cfg    config.Config
	runner *databasetest.Runner
	repo   *audit.MemoryRepository
	om     *OperationManager

	mu    sync.Mutex
	clock time.Time
}

func TestOperations(t *testing.T) {
	suite.Run(t, new(OperationsSuite))
}

func (s *OperationsSuite) SetupTest() {
	s.Require().NoError(s.cfg.Load(""))
	s.cfg.Backup.Directory = s.T().TempDir()
	s.cfg.Backup.TempDirectory = s.T().TempDir()
	s.cfg.Backup.KeepBackups = 7
	s.cfg.Backup.KeepSnapshots = 3
	s.clock = epoch.Add(24 * time.Hour)

	s.runner = databasetest.NewRunner()
	s.repo = audit.NewMemoryRepository()
	s.om = s.newManager(database.NewMongoDB(s.cfg, s.runner))
}

func (s *OperationsSuite) newManager(tools Tools, opts ...Option) *OperationManager {
	opts = append([]Option{
		WithRecorder(audit.NewRecorder(s.repo, nil)),
		WithClock(s.tick),
	}, opts...)
	om, err := NewOperationManager(s.cfg, tools, opts...)
	s.Require().NoError(err)
	return om
}

func (s *OperationsSuite) tick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Minute)
	return s.clock
}

// seedBackup creates an existing backup directory of db taken at t.
func (s *OperationsSuite) seedBackup(db string, t time.Time) string {
	name := artifact.BackupName(db, t)
	s.Require().NoError(os.MkdirAll(filepath.Join(s.om.Backups().Dir(), name, db), 0o755))
	return name
}

func (s *OperationsSuite) names(entries []store.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func (s *OperationsSuite) singleRecord() audit.Record {
	records := s.repo.Records()
	s.Require().Len(records, 1)
	return records[0]
}

func (s *OperationsSuite) TestCreateThenPrune() {
	var seeded []string
	for i := 1; i <= 7; i++ {
		seeded = append(seeded, s.seedBackup("shop", epoch.Add(time.Duration(i)*time.Hour)))
	}

	res, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)
	s.Equal([]string{seeded[0]}, res.DeletedBackups)
	s.Empty(res.PruneFailures)
	s.Equal(int64(12), res.Backup.SizeBytes)

	list, err := s.om.ListBackups(context.Background(), "shop")
	s.Require().NoError(err)
	s.Len(list.Backups, 7)
	s.Equal(res.Backup.Name, list.Backups[0].Name)
	s.NotContains(s.names(list.Backups), seeded[0])
	s.Equal(7, list.MaxBackupsPerDatabase)
	s.Equal(7, list.Stats["shop"].Kept)

	r := s.singleRecord()
	s.Equal(audit.StatusSuccess, r.Status)
	s.Equal(audit.ActionBackup, r.ActionType)
	s.Equal("shop", r.Target)
	s.Equal(res.Backup.Name, r.Details["backupName"])
}

func (s *OperationsSuite) TestRetentionBoundAfterNineBackups() {
	var created []string
	for range 9 {
		res, err := s.om.CreateBackup(context.Background(), "shop")
		s.Require().NoError(err)
		created = append(created, res.Backup.Name)
	}
	s.seedBackup("shop_old", epoch)

	list, err := s.om.ListBackups(context.Background(), "shop")
	s.Require().NoError(err)
	s.Len(list.Backups, 7)
	s.NotContains(s.names(list.Backups), created[0])
	s.NotContains(s.names(list.Backups), created[1])
	s.Contains(s.names(list.Backups), created[2])

	all, err := s.om.ListBackups(context.Background(), "")
	s.Require().NoError(err)
	s.Len(all.Backups, 8)
	s.Len(s.repo.Records(), 9)
}

func (s *OperationsSuite) TestRestoreSnapshotNotFound() {
	report, err := s.om.RestoreSnapshot(context.Background(), "missing_xyz", "shop", "users")
	s.ErrorIs(err, ErrArtifactNotFound)

	var phaseErr *PhaseError
	s.Require().ErrorAs(err, &phaseErr)
	s.Equal(PhaseLocateArtifact, phaseErr.Phase)
	s.Equal(PhaseFailure, report.Phase)
	s.Empty(s.runner.Calls())

	r := s.singleRecord()
	s.Equal(audit.StatusError, r.Status)
	s.Equal("restoreSnapshot failed: artifact not found", r.Message)
}

func (s *OperationsSuite) TestRestoreSnapshotDropsBeforeRestore() {
	snap, err := s.om.CreateSnapshot(context.Background(), "shop", "users", "")
	s.Require().NoError(err)

	report, err := s.om.RestoreSnapshot(context.Background(), snap.Snapshot.Name, "", "")
	s.Require().NoError(err)
	s.Equal(PhaseSuccess, report.Phase)
	s.Equal("shop.users", report.Target)
	s.Equal([]string{"mongodump", "mongosh", "mongorestore"}, s.runner.Tools())

	drop := s.runner.CallsTo("mongosh")[0]
	s.Contains(drop.Flag("--eval"), "getCollection('users').drop()")
	restore := s.runner.CallsTo("mongorestore")[0]
	s.Equal("shop.users", restore.Flag("--nsInclude"))
	s.Equal(snap.Snapshot.Path, restore.Last())

	records := s.repo.Records()
	s.Require().Len(records, 2)
	s.Equal(audit.ActionRestore, records[1].ActionType)
	s.Equal(string(PhaseSuccess), records[1].Details["phase"])
}

func (s *OperationsSuite) TestRestoreBackupIntoAnotherDatabase() {
	res, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)

	report, err := s.om.RestoreBackup(context.Background(), res.Backup.Name, "shop_copy")
	s.Require().NoError(err)
	s.Equal("shop_copy", report.Target)
	s.Equal("shop", report.SourceDatabase)

	restore := s.runner.CallsTo("mongorestore")[0]
	s.Equal("shop.*", restore.Flag("--nsFrom"))
	s.Equal("shop_copy.*", restore.Flag("--nsTo"))
	s.Contains(s.runner.CallsTo("mongosh")[0].Flag("--eval"), "getSiblingDB('shop_copy').dropDatabase()")
}

func (s *OperationsSuite) TestRestoreReportedFailure() {
	res, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)
	s.runner.On("mongorestore", databasetest.Respond(database.Output{
		Stderr: "Failed: shop.users: error restoring from archive: E11000 duplicate key error\n",
	}, nil))

	report, err := s.om.RestoreBackup(context.Background(), res.Backup.Name, "")
	var reported *database.ToolReportedError
	s.Require().ErrorAs(err, &reported)
	s.Equal(PhaseFailure, report.Phase)
	s.Equal(PhaseClassifyOutput, report.FailedPhase)

	records := s.repo.Records()
	s.Require().Len(records, 2)
	r := records[1]
	s.Equal(audit.StatusError, r.Status)
	s.Equal("restoreBackup failed: mongorestore reported an error", r.Message)
	s.Contains(r.Details["stderr"], "E11000")
	s.NotContains(r.Message, "E11000")
}

func (s *OperationsSuite) TestDropFailureSkipsRestore() {
	snap, err := s.om.CreateSnapshot(context.Background(), "shop", "users", "nightly")
	s.Require().NoError(err)
	s.runner.On("mongosh", databasetest.Fail("MongoServerError: not authorized on shop"))

	report, err := s.om.RestoreSnapshot(context.Background(), snap.Snapshot.Name, "", "")
	s.Require().Error(err)
	s.Equal(PhaseDropTarget, report.FailedPhase)
	s.Empty(s.runner.CallsTo("mongorestore"))
}

func (s *OperationsSuite) TestRestoreRejectsCollectionForBackup() {
	res, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)

	_, err = s.om.runRestore(context.Background(), "restoreBackup", artifact.KindBackup, res.Backup.Name,
		database.Target{Database: "shop", Collection: "users"})
	s.ErrorIs(err, ErrInvalidArgument)
	s.Empty(s.runner.CallsTo("mongosh"))
}

func (s *OperationsSuite) TestOperationInProgress() {
	release, err := s.om.locks.lockTargets("test", database.Target{Database: "shop"})
	s.Require().NoError(err)

	_, err = s.om.CreateBackup(context.Background(), "shop")
	s.ErrorIs(err, ErrOperationInProgress)
	_, err = s.om.CreateSnapshot(context.Background(), "shop", "users", "")
	s.ErrorIs(err, ErrOperationInProgress)
	_, err = s.om.CreateBackup(context.Background(), "crm")
	s.NoError(err)

	release()
	_, err = s.om.CreateBackup(context.Background(), "shop")
	s.NoError(err)
	s.Len(s.repo.Records(), 4)
}

func (s *OperationsSuite) TestRetentionSkipsLockedArtifact() {
	s.cfg.Backup.KeepBackups = 1
	s.om = s.newManager(database.NewMongoDB(s.cfg, s.runner))
	oldest := s.seedBackup("shop", epoch)

	release, err := s.om.locks.lockArtifact("exportArchive", artifact.KindBackup, oldest)
	s.Require().NoError(err)
	defer release()

	res, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)
	s.Empty(res.DeletedBackups)
	s.Equal([]string{oldest}, res.PruneFailures)
	s.DirExists(filepath.Join(s.om.Backups().Dir(), oldest))
}

func (s *OperationsSuite) TestSnapshotRetentionPerCollection() {
	for range 4 {
		_, err := s.om.CreateSnapshot(context.Background(), "shop", "users", "")
		s.Require().NoError(err)
	}
	_, err := s.om.CreateSnapshot(context.Background(), "shop", "orders", "")
	s.Require().NoError(err)

	users, err := s.om.ListSnapshots(context.Background(), "shop", "users")
	s.Require().NoError(err)
	s.Len(users, 3)
	all, err := s.om.ListSnapshots(context.Background(), "shop", "")
	s.Require().NoError(err)
	s.Len(all, 4)
}

func (s *OperationsSuite) TestCreateSnapshotValidation() {
	_, err := s.om.CreateSnapshot(context.Background(), "shop", "", "")
	s.ErrorIs(err, ErrInvalidArgument)
	_, err = s.om.CreateSnapshot(context.Background(), "shop", "users", "bad label")
	s.ErrorIs(err, ErrInvalidArgument)
	_, err = s.om.CreateSnapshot(context.Background(), "../etc", "users", "")
	s.ErrorIs(err, ErrInvalidArgument)
	s.Empty(s.runner.Calls())
	s.Len(s.repo.Records(), 3)
}

func (s *OperationsSuite) TestCronBackupMissingDatabase() {
	s.runner.On("mongodump", databasetest.Fail("Failed: database ghost doesn't exist"))

	_, err := s.om.CronBackup(context.Background(), "ghost")
	s.ErrorIs(err, ErrDatabaseNotFound)

	r := s.singleRecord()
	s.Equal(audit.ActionCron, r.ActionType)
	s.Equal(audit.CronActor, r.UserEmail)
	s.Equal("cronBackup failed: database does not exist", r.Message)

	entries, err := s.om.Backups().List(store.Query{})
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *OperationsSuite) TestBackupMany() {
	s.runner.On("mongodump", func(ctx context.Context, call databasetest.Call) (database.Output, error) {
		if call.Flag("--db") == "crm" {
			return databasetest.Fail("Failed: error connecting to db server")(ctx, call)
		}
		return databasetest.WriteDump(ctx, call)
	})

	results, err := s.om.BackupMany(context.Background(), []string{"shop", "crm", "blog"})
	s.Require().Error(err)
	s.Contains(err.Error(), `"crm"`)
	s.Len(results, 2)
	s.Len(s.repo.Records(), 3)
}

func (s *OperationsSuite) TestDeleteBackup() {
	res, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)

	s.Require().NoError(s.om.DeleteBackup(context.Background(), res.Backup.Name))
	s.NoDirExists(res.Backup.Path)
	s.ErrorIs(s.om.DeleteBackup(context.Background(), res.Backup.Name), ErrArtifactNotFound)
	s.ErrorIs(s.om.DeleteSnapshot(context.Background(), "../allbackup"), ErrArtifactNotFound)

	records := s.repo.Records()
	s.Require().Len(records, 4)
	s.Equal(audit.ActionOther, records[1].ActionType)
	s.Equal("deleteBackup", records[1].Action)
	s.Equal("shop", records[1].Database)
}

func (s *OperationsSuite) TestCloneDatabase() {
	report, err := s.om.CloneDatabase(context.Background(), "shop", "shop_copy")
	s.Require().NoError(err)
	s.Equal("shop_copy", report.Target)

	dump := s.runner.CallsTo("mongodump")[0]
	restore := s.runner.CallsTo("mongorestore")[0]
	s.Equal(dump.Flag("--out"), restore.Last())
	s.Equal("shop.*", restore.Flag("--nsFrom"))
	s.Equal("shop_copy.*", restore.Flag("--nsTo"))
	s.NoDirExists(dump.Flag("--out"))

	left, err := os.ReadDir(s.cfg.Backup.TempDirectory)
	s.Require().NoError(err)
	s.Empty(left)

	r := s.singleRecord()
	s.Equal(audit.ActionOther, r.ActionType)
	s.Equal("cloneDatabase", r.Action)
	s.Equal("shop -> shop_copy", r.Target)

	page, err := s.om.History(context.Background(), audit.Filter{ActionType: audit.ActionOther})
	s.Require().NoError(err)
	s.Require().Len(page.Records, 1)
	s.Equal("cloneDatabase", page.Records[0].Action)
}

func (s *OperationsSuite) TestCloneCleansUpOnFailure() {
	s.runner.On("mongorestore", databasetest.Fail("Failed: restore error"))

	_, err := s.om.CloneDatabase(context.Background(), "shop", "shop_copy")
	s.Require().Error(err)
	left, err := os.ReadDir(s.cfg.Backup.TempDirectory)
	s.Require().NoError(err)
	s.Empty(left)

	_, err = s.om.CloneDatabase(context.Background(), "shop", "shop")
	s.ErrorIs(err, ErrInvalidArgument)
}

type panickingTools struct{ Tools }

func (panickingTools) Dump(context.Context, database.Target, string) (database.Output, error) {
	panic("dump exploded")
}

func (s *OperationsSuite) TestPanicIsAuditedOnce() {
	om := s.newManager(panickingTools{})

	s.Panics(func() { _, _ = om.CreateBackup(context.Background(), "shop") })
	r := s.singleRecord()
	s.Equal(audit.StatusError, r.Status)
	s.Equal("panic: dump exploded", r.Details["error"])

	release, err := om.locks.lockTargets("test", database.Target{Database: "shop"})
	s.Require().NoError(err, "lock must not survive the panic")
	release()
}

func (s *OperationsSuite) TestStorageUsage() {
	_, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)

	u, err := s.om.StorageUsage(context.Background(), StorageBackup)
	s.Require().NoError(err)
	s.Equal(int64(12), u.Used)
	s.Equal(s.om.Backups().Dir(), u.Path)

	_, err = s.om.StorageUsage(context.Background(), "tape")
	s.ErrorIs(err, ErrInvalidArgument)
}

func (s *OperationsSuite) TestExportArchive() {
	snap, err := s.om.CreateSnapshot(context.Background(), "shop", "users", "")
	s.Require().NoError(err)

	var buf bytes.Buffer
	s.Require().NoError(s.om.ExportArchive(context.Background(), artifact.KindSnapshot, snap.Snapshot.Name, &buf))
	s.NotZero(buf.Len())

	err = s.om.ExportArchive(context.Background(), artifact.KindSnapshot, "missing_xyz", &buf)
	s.ErrorIs(err, ErrArtifactNotFound)
}

type fakeInspector struct {
	seeded int
}

func (f *fakeInspector) ListDatabases(context.Context) ([]database.DatabaseInfo, error) {
	return []database.DatabaseInfo{{Name: "shop"}}, nil
}

func (f *fakeInspector) Status(context.Context) (database.Status, error) {
	return database.Status{}, nil
}

func (f *fakeInspector) ListCollections(context.Context, string) ([]database.CollectionInfo, error) {
	return nil, nil
}

func (f *fakeInspector) SeedDummyData(_ context.Context, _, _, kind string, count int) (int, error) {
	if kind == "bogus" {
		return 0, database.ErrInvalidSeed
	}
	f.seeded += count
	return count, nil
}

func (s *OperationsSuite) TestInspectionRequiresInspector() {
	_, err := s.om.ListDatabases(context.Background())
	s.ErrorIs(err, ErrUnavailable)
	_, err = s.om.SeedDummyData(context.Background(), "shop", "users", "users", 10)
	s.ErrorIs(err, ErrUnavailable)
}

func (s *OperationsSuite) TestSeedDummyData() {
	inspector := &fakeInspector{}
	om := s.newManager(database.NewMongoDB(s.cfg, s.runner), WithInspector(inspector))

	n, err := om.SeedDummyData(context.Background(), "shop", "users", "users", 25)
	s.Require().NoError(err)
	s.Equal(25, n)

	_, err = om.SeedDummyData(context.Background(), "shop", "users", "users", database.MaxSeedCount+1)
	s.ErrorIs(err, ErrInvalidArgument)
	_, err = om.SeedDummyData(context.Background(), "shop", "users", "bogus", 5)
	s.ErrorIs(err, ErrInvalidArgument)
	s.Equal(25, inspector.seeded)

	records := s.repo.Records()
	s.Require().Len(records, 3)
	s.Equal(audit.ActionOther, records[0].ActionType)
}

func (s *OperationsSuite) TestHistory() {
	_, err := s.om.CreateBackup(context.Background(), "shop")
	s.Require().NoError(err)

	page, err := s.om.History(context.Background(), audit.Filter{ActionType: audit.ActionBackup})
	s.Require().NoError(err)
	s.Equal(int64(1), page.TotalCount)

	stats, err := s.om.HistoryStats(context.Background())
	s.Require().NoError(err)
	s.Equal(int64(1), stats.SuccessCalls)
}

func TestLockSet(t *testing.T) {
	locks := newLockSet()

	release, err := locks.lockTargets("restore", database.Target{Database: "shop", Collection: "users"})
	require.NoError(t, err)

	_, err = locks.lockTargets("snapshot", database.Target{Database: "shop", Collection: "orders"})
	assert.NoError(t, err)
	_, err = locks.lockTargets("backup", database.Target{Database: "shop"})
	assert.ErrorIs(t, err, ErrOperationInProgress)
	_, err = locks.lockTargets("restore", database.Target{Database: "shop", Collection: "users"})
	assert.ErrorIs(t, err, ErrOperationInProgress)

	_, err = locks.lockTargets("clone", database.Target{Database: "crm"}, database.Target{Database: "shop"})
	assert.ErrorIs(t, err, ErrOperationInProgress)
	_, err = locks.lockTargets("backup", database.Target{Database: "crm"})
	assert.NoError(t, err, "failed multi-target acquire must not hold anything")

	release()
	release()
	_, err = locks.lockTargets("restore", database.Target{Database: "shop", Collection: "users"})
	assert.NoError(t, err)

	unlock, err := locks.lockArtifact("export", artifact.KindBackup, "shop_x")
	require.NoError(t, err)
	_, err = locks.lockArtifact("retention", artifact.KindBackup, "shop_x")
	assert.True(t, errors.Is(err, ErrOperationInProgress))
	_, err = locks.lockArtifact("retention", artifact.KindSnapshot, "shop_x")
	assert.NoError(t, err)
	unlock()
}
