package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xraph/courier/engine"
)

// newServeCmd runs the promoter and retention sweep until interrupted.
// Handlers are ordinary Go functions, so executing jobs is left to
// services embedding the engine; this process needs none of them.
func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the promotion daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, closeFn, err := g.openEngine(ctx, engine.WithoutWorkers())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := eng.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			logger := g.logger()
			logger.Info("shutting down", slog.Duration("timeout", eng.Config().ShutdownTimeout))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.Config().ShutdownTimeout)
			defer cancel()
			return eng.Stop(shutdownCtx)
		},
	}
}
