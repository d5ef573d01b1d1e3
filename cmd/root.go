package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/logger"
)

const defaultConfigFile = "./configs/config.yaml"

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string
	envFile    string

	cfg config.Config
	log logger.Logger = logger.Nop()

	// rootCmd is the base command for mongokeeper.
	rootCmd = &cobra.Command{
		Use:   "mongokeeper",
		Short: "MongoDB backup, snapshot and restore manager",
		Long: `mongokeeper creates full backups and collection snapshots of MongoDB
databases, prunes them by retention limits, restores them with a
drop-then-restore protocol and keeps an audit trail of every operation.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command.
func Execute() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "error", err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", defaultConfigFile, "path to YAML config file")
	rootCmd.PersistentFlags().
		StringVar(&envFile, "env-file", ".env", "environment file loaded before the config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(historyCmd)
}

// setup loads the environment file, the configuration and the logger.
// The default config file is optional; an explicit one must exist.
func setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	path := ConfigFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		path = ""
	}
	if err := cfg.Load(path); err != nil {
		return err
	}

	l, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log = l
	if path == "" {
		log.Debug("no config file, using defaults and environment")
	}
	return nil
}

// cliContext attributes CLI operations to the local user.
func cliContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	actor := audit.Anonymous
	if u, err := user.Current(); err == nil && u.Username != "" {
		actor = "cli:" + u.Username
	}
	ctx = audit.WithActor(ctx, actor)
	return audit.WithCaller(ctx, cmd.CommandPath(), "CLI")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
