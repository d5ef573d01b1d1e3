package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/logger"
)

// Target addresses a whole database or one of its collections.
type Target struct {
	Database   string
	Collection string
}

// Namespace is the mongorestore namespace pattern for the target.
func (t Target) Namespace() string {
	if t.Collection == "" {
		return t.Database + ".*"
	}
	return t.Database + "." + t.Collection
}

func (t Target) String() string {
	if t.Collection == "" {
		return t.Database
	}
	return t.Database + "." + t.Collection
}

// RestoreSpec describes one mongorestore run. When Source differs from
// Target, its namespaces are renamed onto Target. Source and Target must
// both be whole databases or both be collections.
type RestoreSpec struct {
	Target Target
	Source Target
	Path   string
}

// MongoDBOption defines a functional option for configuring a MongoDB instance.
type MongoDBOption func(*MongoDB)

// MongoDB drives mongodump, mongorestore and mongosh against one server.
type MongoDB struct {
	Conn            ConnectionParams
	DumpBin         string
	RestoreBin      string
	ShellBin        string
	StrictDropCheck bool
	Runner          Runner
	Classifier      OutputClassifier
	Logger          logger.Logger
}

// NewMongoDB creates a new MongoDB instance based on config defaults and supplied options.
func NewMongoDB(cfg config.Config, runner Runner, opts ...MongoDBOption) *MongoDB {
	m := &MongoDB{
		Conn:            ResolveConnection(cfg.MongoDB.URI),
		DumpBin:         cfg.Tools.Mongodump,
		RestoreBin:      cfg.Tools.Mongorestore,
		ShellBin:        cfg.Tools.Mongosh,
		StrictDropCheck: cfg.Restore.StrictDropCheck,
		Runner:          runner,
		Classifier:      DefaultAllowList,
		Logger:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.DumpBin == "" {
		m.DumpBin = "mongodump"
	}
	if m.RestoreBin == "" {
		m.RestoreBin = "mongorestore"
	}
	if m.ShellBin == "" {
		m.ShellBin = "mongosh"
	}
	return m
}

// WithMongoConnection overrides the connection parsed from the config.
func WithMongoConnection(p ConnectionParams) MongoDBOption {
	return func(m *MongoDB) {
		if p.Host != "" {
			m.Conn = p
		}
	}
}

// WithMongoCredentials overrides the username and password.
func WithMongoCredentials(username, password string) MongoDBOption {
	return func(m *MongoDB) {
		m.Conn = m.Conn.WithCredentials(username, password)
	}
}

// WithMongoClassifier replaces the stderr classifier.
func WithMongoClassifier(c OutputClassifier) MongoDBOption {
	return func(m *MongoDB) {
		if c != nil {
			m.Classifier = c
		}
	}
}

// WithMongoLogger sets the logger.
func WithMongoLogger(l logger.Logger) MongoDBOption {
	return func(m *MongoDB) {
		if l != nil {
			m.Logger = l
		}
	}
}

// WithStrictDropCheck makes collection drops fail on unexpected stderr.
func WithStrictDropCheck(strict bool) MongoDBOption {
	return func(m *MongoDB) {
		m.StrictDropCheck = strict
	}
}

// Dump writes the target into outDir with mongodump.
func (m *MongoDB) Dump(ctx context.Context, target Target, outDir string) (Output, error) {
	args := append(m.Conn.Args(), "--db", target.Database)
	if target.Collection != "" {
		args = append(args, "--collection", target.Collection)
	}
	args = append(args, "--out", outDir)

	m.Logger.Info("dump started", "target", target.String(), "path", outDir)
	out, err := m.Runner.Run(ctx, m.DumpBin, args...)
	if err != nil {
		return out, fmt.Errorf("dump %s: %w", target, err)
	}
	if err := m.Classifier.Classify(m.DumpBin, OpDump, out.Stderr); err != nil {
		m.Logger.Error("dump reported errors", "target", target.String(), "stderr", out.Stderr)
		return out, fmt.Errorf("dump %s: %w", target, err)
	}
	m.Logger.Info("dump completed",
		"target", target.String(),
		"path", outDir,
		"duration", out.Duration.String(),
	)
	return out, nil
}

// Drop removes the target database or collection with mongosh.
// Database drops are always classified. Collection drops are classified
// only with StrictDropCheck; otherwise unexpected output is logged.
func (m *MongoDB) Drop(ctx context.Context, target Target) (Output, error) {
	op := OpDropDatabase
	script := fmt.Sprintf("db.getSiblingDB(%s).dropDatabase()", jsString(target.Database))
	if target.Collection != "" {
		op = OpDropCollection
		script = fmt.Sprintf("db.getSiblingDB(%s).getCollection(%s).drop()",
			jsString(target.Database), jsString(target.Collection))
	}
	args := append(m.Conn.ShellArgs(), "--quiet", "--eval", script)

	m.Logger.Info("drop started", "target", target.String())
	out, err := m.Runner.Run(ctx, m.ShellBin, args...)
	if err != nil {
		return out, fmt.Errorf("drop %s: %w", target, err)
	}
	if err := m.Classifier.Classify(m.ShellBin, op, out.Stderr); err != nil {
		if op == OpDropDatabase || m.StrictDropCheck {
			m.Logger.Error("drop reported errors", "target", target.String(), "stderr", out.Stderr)
			return out, fmt.Errorf("drop %s: %w", target, err)
		}
		m.Logger.Warn("drop wrote unexpected output", "target", target.String(), "stderr", out.Stderr)
	}
	m.Logger.Info("drop completed", "target", target.String(), "duration", out.Duration.String())
	return out, nil
}

// Restore loads spec.Path into spec.Target with mongorestore --drop.
func (m *MongoDB) Restore(ctx context.Context, spec RestoreSpec) (Output, error) {
	source := spec.Source
	if source.Database == "" {
		source = spec.Target
	}
	args := append(m.Conn.Args(), "--drop", "--nsInclude", source.Namespace())
	if source != spec.Target {
		args = append(args,
			"--nsFrom", source.Namespace(),
			"--nsTo", spec.Target.Namespace(),
		)
	}
	args = append(args, spec.Path)

	m.Logger.Info("restore started", "target", spec.Target.String(), "source", spec.Path)
	out, err := m.Runner.Run(ctx, m.RestoreBin, args...)
	if err != nil {
		return out, fmt.Errorf("restore %s: %w", spec.Target, err)
	}
	if err := m.Classifier.Classify(m.RestoreBin, OpRestore, out.Stderr); err != nil {
		m.Logger.Error("restore reported errors", "target", spec.Target.String(), "stderr", out.Stderr)
		return out, fmt.Errorf("restore %s: %w", spec.Target, err)
	}
	m.Logger.Info("restore completed",
		"target", spec.Target.String(),
		"source", spec.Path,
		"duration", out.Duration.String(),
	)
	return out, nil
}

// jsString quotes s as a single-quoted JavaScript string literal.
func jsString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}
