package cmd

import (
	"github.com/spf13/cobra"
)

var restoreDatabase string

var restoreCmd = &cobra.Command{
	Use:   "restore NAME",
	Short: "Drop the target database and restore a backup into it",
	Long: `Restore drops the target database and then runs mongorestore from the
named backup. The target defaults to the database the backup was taken from.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			report, err := a.ops.RestoreBackup(ctx, args[0], restoreDatabase)
			if perr := printJSON(cmd, report); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() {
	restoreCmd.Flags().
		StringVarP(&restoreDatabase, "database", "d", "", "target database (defaults to the backup's database)")
}
