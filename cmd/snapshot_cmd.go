package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/mongokeeper/internal/artifact"
)

var (
	snapshotLabel      string
	snapshotCollection string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, list, restore, delete and export collection snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create DATABASE COLLECTION",
	Short: "Snapshot one collection and prune old snapshots of it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			res, err := a.ops.CreateSnapshot(ctx, args[0], args[1], snapshotLabel)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			entries, err := a.ops.ListSnapshots(ctx, listDatabase, snapshotCollection)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		})
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore NAME",
	Short: "Drop the target collection and restore a snapshot into it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			report, err := a.ops.RestoreSnapshot(ctx, args[0], restoreDatabase, snapshotCollection)
			if perr := printJSON(cmd, report); perr != nil {
				return perr
			}
			return err
		})
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			if err := a.ops.DeleteSnapshot(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s deleted\n", args[0])
			return nil
		})
	},
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export NAME",
	Short: "Write a snapshot as a zstd compressed tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportArtifact(cmd, artifact.KindSnapshot, args[0])
	},
}

func init() {
	snapshotCreateCmd.Flags().StringVarP(&snapshotLabel, "label", "l", "", "custom label appended to the snapshot name")

	snapshotListCmd.Flags().StringVarP(&listDatabase, "database", "d", "", "only list snapshots of this database")
	snapshotListCmd.Flags().StringVar(&snapshotCollection, "collection", "", "only list snapshots of this collection")

	snapshotRestoreCmd.Flags().StringVarP(&restoreDatabase, "database", "d", "", "target database (defaults to the snapshot's database)")
	snapshotRestoreCmd.Flags().StringVar(&snapshotCollection, "collection", "", "target collection (defaults to the snapshot's collection)")

	snapshotExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "archive path, - for stdout")

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd, snapshotDeleteCmd, snapshotExportCmd)
}
