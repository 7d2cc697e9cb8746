package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/daemon"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(flagConfig)
			if err != nil {
				return err
			}
			defer s.close()

			addr := s.cfg.Listen
			if listen != "" {
				addr = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &daemon.Server{
				Orchestrator:  s.orchestrator,
				Registry:      s.registry,
				Cache:         s.cache,
				Gatherer:      s.promRegistry,
				Logger:        s.logger,
				SweepInterval: s.cfg.SweepInterval(),
			}
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}
