package cmd

import (
	"github.com/spf13/cobra"
)

var cloneCmd = &cobra.Command{
	Use:   "clone SOURCE TARGET",
	Short: "Copy a database into another one through a temporary dump",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			report, err := a.ops.CloneDatabase(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}
