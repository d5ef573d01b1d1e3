package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/mongokeeper/internal/audit"
)

var (
	historyFilter                audit.Filter
	historyAction, historyStatus string
	historyStart, historyEnd     string
	historyAscending             bool
	historyStats                 bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the audit trail of past operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := historyFilter
		f.ActionType = audit.ActionType(historyAction)
		f.Status = audit.Status(historyStatus)
		f.Descending = !historyAscending

		var err error
		if f.Start, err = audit.ParseDateBound(historyStart, false); err != nil {
			return err
		}
		if f.End, err = audit.ParseDateBound(historyEnd, true); err != nil {
			return err
		}

		ctx := cliContext(cmd)
		return withApp(ctx, func(a *app) error {
			page, err := a.ops.History(ctx, f)
			if err != nil {
				return err
			}
			out := map[string]any{"history": page}
			if historyStats {
				stats, err := a.ops.HistoryStats(ctx)
				if err != nil {
					return err
				}
				out["stats"] = stats
			}
			return printJSON(cmd, out)
		})
	},
}

func init() {
	flags := historyCmd.Flags()
	flags.StringVar(&historyFilter.Search, "search", "", "case-insensitive substring of the action, target or message")
	flags.StringVar(&historyFilter.Endpoint, "endpoint", "", "exact endpoint")
	flags.StringVar(&historyAction, "action-type", "", "backup, restore, snapshot, cron or other")
	flags.StringVar(&historyStatus, "status", "", "success or error")
	flags.StringVar(&historyStart, "since", "", "start date (YYYY-MM-DD or RFC 3339)")
	flags.StringVar(&historyEnd, "until", "", "end date, inclusive (YYYY-MM-DD or RFC 3339)")
	flags.StringVar(&historyFilter.SortBy, "sort-by", "timestamp", "sort field")
	flags.BoolVar(&historyAscending, "asc", false, "oldest first")
	flags.IntVar(&historyFilter.Page, "page", 1, "page number")
	flags.IntVar(&historyFilter.Limit, "limit", audit.DefaultLimit, "records per page")
	flags.BoolVar(&historyStats, "stats", false, "include aggregate statistics")
}
