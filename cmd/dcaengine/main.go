package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/app"
	"github.com/xela07ax/dca-autopilot/internal/infra"
)

type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "dcaengine",
		Short:         "Autonomous DCA execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSimulateCommand(opts))
	cmd.AddCommand(newExecuteCommand(opts))
	cmd.AddCommand(newPurchasesCommand(opts))
	cmd.AddCommand(newPolicyCommand(opts))
	cmd.AddCommand(newSpendCommand(opts))
	return cmd
}

// bootstrap: конфиг, логгер, трейсинг и граф зависимостей
func bootstrap(ctx context.Context, opts *rootOptions) (*app.App, *zap.Logger, func(), error) {
	cfg, err := infra.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, nil, err
	}

	shutdownTracing, err := infra.InitTracing(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func() {}
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		shutdownTracing()
		_ = logger.Sync()
		return nil, nil, nil, err
	}

	cleanup := func() {
		a.Close()
		shutdownTracing()
		_ = logger.Sync()
	}
	return a, logger, cleanup, nil
}

// signalContext отменяется по SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
