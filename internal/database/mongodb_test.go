package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/database/databasetest"
)

func newMongo(t *testing.T, runner database.Runner, opts ...database.MongoDBOption) *database.MongoDB {
	t.Helper()
	var cfg config.Config
	require.NoError(t, cfg.Load(""))
	cfg.MongoDB.URI = "mongodb://backup:pw@db:27017/?authSource=admin"
	return database.NewMongoDB(cfg, runner, opts...)
}

func TestMongoDB_DumpCollection(t *testing.T) {
	runner := databasetest.NewRunner()
	m := newMongo(t, runner)

	out := t.TempDir()
	_, err := m.Dump(context.Background(), database.Target{Database: "shop", Collection: "users"}, out)
	require.NoError(t, err)

	calls := runner.CallsTo("mongodump")
	require.Len(t, calls, 1)
	assert.Equal(t, "shop", calls[0].Flag("--db"))
	assert.Equal(t, "users", calls[0].Flag("--collection"))
	assert.Equal(t, out, calls[0].Flag("--out"))
	assert.Equal(t, "backup", calls[0].Flag("--username"))
	assert.Equal(t, "db", calls[0].Flag("--host"))
}

func TestMongoDB_DumpReportedError(t *testing.T) {
	runner := databasetest.NewRunner()
	runner.On("mongodump", databasetest.Respond(database.Output{
		Stderr: "Failed: error connecting to db server: no reachable servers",
	}, nil))
	m := newMongo(t, runner)

	_, err := m.Dump(context.Background(), database.Target{Database: "shop"}, t.TempDir())
	var reported *database.ToolReportedError
	require.True(t, errors.As(err, &reported))
	assert.Equal(t, database.OpDump, reported.Operation)
}

func TestMongoDB_RestoreArgs(t *testing.T) {
	runner := databasetest.NewRunner()
	m := newMongo(t, runner)

	_, err := m.Restore(context.Background(), database.RestoreSpec{
		Target: database.Target{Database: "shop", Collection: "users"},
		Path:   "/b/snapshot/x",
	})
	require.NoError(t, err)

	call := runner.CallsTo("mongorestore")[0]
	assert.True(t, call.Has("--drop"))
	assert.Equal(t, "shop.users", call.Flag("--nsInclude"))
	assert.Empty(t, call.Flag("--nsFrom"))
	assert.Equal(t, "/b/snapshot/x", call.Last())
}

func TestMongoDB_RestoreRenamesNamespace(t *testing.T) {
	runner := databasetest.NewRunner()
	m := newMongo(t, runner)

	_, err := m.Restore(context.Background(), database.RestoreSpec{
		Target: database.Target{Database: "shop_copy"},
		Source: database.Target{Database: "shop"},
		Path:   "/tmp/clone",
	})
	require.NoError(t, err)

	call := runner.CallsTo("mongorestore")[0]
	assert.Equal(t, "shop.*", call.Flag("--nsInclude"))
	assert.Equal(t, "shop.*", call.Flag("--nsFrom"))
	assert.Equal(t, "shop_copy.*", call.Flag("--nsTo"))
}

func TestMongoDB_DropDatabaseAlwaysClassified(t *testing.T) {
	runner := databasetest.NewRunner()
	runner.On("mongosh", databasetest.Respond(database.Output{Stderr: "MongoServerError: unauthorized"}, nil))
	m := newMongo(t, runner)

	_, err := m.Drop(context.Background(), database.Target{Database: "shop"})
	require.Error(t, err)

	call := runner.CallsTo("mongosh")[0]
	assert.Equal(t, "db.getSiblingDB('shop').dropDatabase()", call.Flag("--eval"))
}

func TestMongoDB_DropCollectionStrictness(t *testing.T) {
	noisy := databasetest.Respond(database.Output{Stderr: "DeprecationWarning: something"}, nil)

	lenient := databasetest.NewRunner()
	lenient.On("mongosh", noisy)
	_, err := newMongo(t, lenient).Drop(context.Background(), database.Target{Database: "shop", Collection: "users"})
	require.NoError(t, err)
	assert.Equal(t, "db.getSiblingDB('shop').getCollection('users').drop()",
		lenient.CallsTo("mongosh")[0].Flag("--eval"))

	strict := databasetest.NewRunner()
	strict.On("mongosh", noisy)
	_, err = newMongo(t, strict, database.WithStrictDropCheck(true)).
		Drop(context.Background(), database.Target{Database: "shop", Collection: "users"})
	require.Error(t, err)
}

func TestMongoDB_DropQuotesNames(t *testing.T) {
	runner := databasetest.NewRunner()
	m := newMongo(t, runner)
	_, err := m.Drop(context.Background(), database.Target{Database: "shop", Collection: "it's"})
	require.NoError(t, err)
	assert.Equal(t, `db.getSiblingDB('shop').getCollection('it\'s').drop()`,
		runner.CallsTo("mongosh")[0].Flag("--eval"))
}

func TestMongoDB_ExecutionErrorPropagates(t *testing.T) {
	runner := databasetest.NewRunner()
	runner.On("mongorestore", databasetest.Fail("connection refused"))
	m := newMongo(t, runner)

	_, err := m.Restore(context.Background(), database.RestoreSpec{
		Target: database.Target{Database: "shop"},
		Path:   "/b/allbackup/x",
	})
	var execErr *database.ToolExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "connection refused", database.Stderr(err))
}

func TestMongoDB_SRVConnection(t *testing.T) {
	runner := databasetest.NewRunner()
	var cfg config.Config
	require.NoError(t, cfg.Load(""))
	cfg.MongoDB.URI = "mongodb+srv://backup:pw@cluster0.example.net/?authSource=admin"
	m := database.NewMongoDB(cfg, runner)

	_, err := m.Dump(context.Background(), database.Target{Database: "shop"}, t.TempDir())
	require.NoError(t, err)
	_, err = m.Drop(context.Background(), database.Target{Database: "shop"})
	require.NoError(t, err)

	dump := runner.CallsTo("mongodump")[0]
	assert.Equal(t, "mongodb+srv://cluster0.example.net/", dump.Flag("--uri"))
	assert.False(t, dump.Has("--host"))

	shell := runner.CallsTo("mongosh")[0]
	assert.Equal(t, "mongodb+srv://cluster0.example.net/", shell.Args[0])
	assert.Equal(t, "backup", shell.Flag("--username"))
}
