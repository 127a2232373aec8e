package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tick loop, operator API and metrics listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, logger, cleanup, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			logger.Info("dca engine starting")
			if err := a.Serve(ctx); err != nil {
				logger.Error("dca engine stopped with error", zap.Error(err))
				return err
			}
			logger.Info("dca engine exited properly")
			return nil
		},
	}
}
