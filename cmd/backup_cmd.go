package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/store"
)

var (
	listDatabase string
	exportOutput string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, delete and export full database backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create DATABASE...",
	Short: "Back up one or more databases and prune old backups",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			results, err := a.ops.BackupMany(ctx, args)
			if perr := printJSON(cmd, results); perr != nil {
				return perr
			}
			return err
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			list, err := a.ops.ListBackups(ctx, listDatabase)
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		})
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			if err := a.ops.DeleteBackup(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %s deleted\n", args[0])
			return nil
		})
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export NAME",
	Short: "Write a backup as a zstd compressed tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportArtifact(cmd, artifact.KindBackup, args[0])
	},
}

// exportArtifact writes the archive to --output, or NAME.tar.zst in the
// working directory. "-" writes to stdout.
func exportArtifact(cmd *cobra.Command, kind artifact.Kind, name string) error {
	ctx := cliContext(cmd)
	return withApp(ctx, func(a *app) error {
		if exportOutput == "-" {
			return a.ops.ExportArchive(ctx, kind, name, cmd.OutOrStdout())
		}
		path := exportOutput
		if path == "" {
			path = name + store.ArchiveExtension
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create archive file: %w", err)
		}
		if err := a.ops.ExportArchive(ctx, kind, name, f); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close archive file: %w", err)
		}
		log.Info("archive written", "kind", string(kind), "name", name, "path", path)
		return nil
	})
}

func init() {
	backupListCmd.Flags().StringVarP(&listDatabase, "database", "d", "", "only list backups of this database")
	backupExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "archive path, - for stdout")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd, backupExportCmd)
}
