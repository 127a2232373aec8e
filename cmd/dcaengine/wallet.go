package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xela07ax/dca-autopilot/internal/engine"
)

func newSimulateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <wallet>",
		Short: "Quote the next purchase of a wallet without touching the signing network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, _, cleanup, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			q, err := a.Trigger.Simulate(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, q)
		},
	}
}

func newExecuteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <wallet>",
		Short: "Execute the wallet's policy once, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, _, cleanup, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.KillSwitch.Init(ctx); err != nil {
				return err
			}
			a.Journal.Start()
			defer a.Journal.Stop()

			ctx = engine.WithTraceID(ctx, uuid.New().String())
			rec, err := a.Trigger.ExecuteNow(ctx, args[0])
			if rec != nil {
				if perr := printJSON(cmd, rec); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newPurchasesCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "purchases <wallet>",
		Short: "List recent purchase records of a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, _, cleanup, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := a.Trigger.Purchases(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultPurchasesLimit, "max records to show")
	return cmd
}
