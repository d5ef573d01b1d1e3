package cmd

import (
	"context"
	"fmt"

	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/logger"
	"github.com/kebairia/mongokeeper/internal/operations"
	"github.com/kebairia/mongokeeper/internal/vault"
)

// app holds the collaborators shared by the commands.
type app struct {
	ops      *operations.OperationManager
	provider *database.ConnectionProvider
	repo     audit.Repository
	log      logger.Logger
}

// newApp resolves credentials and wires the tools, the driver, the
// audit repository and the operation manager.
func newApp(ctx context.Context, cfg config.Config, log logger.Logger) (*app, error) {
	mongoOpts := []database.MongoDBOption{
		database.WithMongoLogger(log),
		database.WithStrictDropCheck(cfg.Restore.StrictDropCheck),
	}
	conn, err := database.ParseConnection(cfg.MongoDB.URI)
	if err != nil {
		log.Warn("mongodb uri not usable by the tools, falling back to localhost", "error", err.Error())
		conn = database.DefaultConnection()
	}
	mongoOpts = append(mongoOpts, database.WithMongoConnection(conn))
	uri := cfg.MongoDB.URI
	if uri == "" {
		uri = conn.URI()
	}

	if cfg.Vault.Enabled() {
		creds, err := mongoCredentials(ctx, cfg.Vault)
		if err != nil {
			return nil, err
		}
		mongoOpts = append(mongoOpts, database.WithMongoCredentials(creds.Username, creds.Password))
		if uri, err = database.InjectCredentials(uri, creds.Username, creds.Password); err != nil {
			uri = conn.WithCredentials(creds.Username, creds.Password).URI()
		}
		log.Info("mongodb credentials loaded from vault", "path", cfg.Vault.CredentialsPath, "ttl", creds.TTL.String())
	}

	runner := database.NewExecRunner(cfg.Tools.Timeout, log)
	mongo := database.NewMongoDB(cfg, runner, mongoOpts...)
	provider := database.NewConnectionProvider(uri, log)

	repo, err := openAuditRepository(ctx, cfg.Audit, provider, log)
	if err != nil {
		return nil, err
	}

	ops, err := operations.NewOperationManager(cfg, mongo,
		operations.WithLogger(log),
		operations.WithRecorder(audit.NewRecorder(repo, log)),
		operations.WithInspector(database.NewInspector(provider, log)),
	)
	if err != nil {
		_ = repo.Close(ctx)
		return nil, err
	}
	return &app{ops: ops, provider: provider, repo: repo, log: log}, nil
}

func mongoCredentials(ctx context.Context, cfg config.VaultConfig) (vault.Credentials, error) {
	client, err := vault.NewClient(ctx,
		vault.WithAddress(cfg.Address),
		vault.WithAppRole(cfg.RoleID, cfg.ApproleName),
	)
	if err != nil {
		return vault.Credentials{}, fmt.Errorf("vault client init: %w", err)
	}
	creds, err := client.MongoCredentials(ctx, cfg.CredentialsPath)
	if err != nil {
		return vault.Credentials{}, fmt.Errorf("read mongodb credentials: %w", err)
	}
	return creds, nil
}

func openAuditRepository(ctx context.Context, cfg config.AuditConfig, provider *database.ConnectionProvider, log logger.Logger) (audit.Repository, error) {
	switch cfg.Backend {
	case "mongo":
		return audit.NewMongoRepository(provider, cfg.Database, cfg.Collection, log), nil
	case "sqlite":
		repo, err := audit.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		return repo, nil
	default:
		return audit.NopRepository{}, nil
	}
}

// Close releases the audit store and the driver connection.
func (a *app) Close(ctx context.Context) {
	if err := a.repo.Close(ctx); err != nil {
		a.log.Warn("close audit store failed", "error", err.Error())
	}
	if err := a.provider.Close(ctx); err != nil {
		a.log.Warn("close mongodb connection failed", "error", err.Error())
	}
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a)
}
