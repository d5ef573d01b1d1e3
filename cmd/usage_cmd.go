package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/mongokeeper/internal/operations"
)

var usageCmd = &cobra.Command{
	Use:       "usage [backup|snapshot|all]",
	Short:     "Report disk usage of the artifact store",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{operations.StorageBackup, operations.StorageSnapshot, operations.StorageAll},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := operations.StorageAll
		if len(args) == 1 {
			kind = args[0]
		}
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			u, err := a.ops.StorageUsage(ctx, kind)
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		})
	},
}
