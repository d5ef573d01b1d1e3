package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/mongokeeper/internal/scheduler"
	"github.com/kebairia/mongokeeper/internal/server"
)

var listenAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled backups",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listenAddress != "" {
			cfg.Server.Address = listenAddress
		}
		return withApp(ctx, func(a *app) error {
			opts := []server.Option{server.WithLogger(log)}

			if cfg.Auth.Issuer != "" {
				verifier, err := server.NewOIDCVerifier(ctx, cfg.Auth.Issuer, cfg.Auth.ClientID)
				if err != nil {
					return err
				}
				opts = append(opts, server.WithVerifier(verifier))
			}

			if len(cfg.Schedule.Backups) > 0 {
				sched := scheduler.New(a.ops, log)
				if err := sched.Add(cfg.Schedule.Backups...); err != nil {
					return err
				}
				sched.Start(ctx)
				defer func() { <-sched.Stop().Done() }()
				opts = append(opts, server.WithScheduler(sched))
			}

			return server.New(cfg, a.ops, opts...).Run(ctx)
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddress, "address", "", "listen address, overrides server.address")
}
