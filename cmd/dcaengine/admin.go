package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// policy set, локальная регистрация политики (в проде политиками владеет отдельная подсистема)
func newPolicyCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage DCA policies",
	}

	var (
		amount   string
		interval time.Duration
		inactive bool
	)
	set := &cobra.Command{
		Use:   "set <wallet>",
		Short: "Register or update the DCA policy of a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := domain.NormalizeWallet(args[0])
			if err != nil {
				return err
			}
			p := domain.Policy{
				ID:              uuid.New().String(),
				WalletAddress:   wallet,
				IntervalSeconds: int64(interval / time.Second),
				PurchaseAmount:  amount,
				Active:          !inactive,
				RegisteredAt:    time.Now().UTC(),
			}
			if err := p.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			a, _, cleanup, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.Policies.UpsertPolicy(ctx, p); err != nil {
				return err
			}
			saved, err := a.Policies.FindPolicyByWallet(ctx, wallet)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		},
	}
	set.Flags().StringVar(&amount, "amount", "", "native amount per purchase, e.g. 0.01")
	set.Flags().DurationVar(&interval, "interval", 24*time.Hour, "purchase interval (10s..8760h)")
	set.Flags().BoolVar(&inactive, "inactive", false, "register the policy disabled")
	_ = set.MarkFlagRequired("amount")

	cmd.AddCommand(set)
	return cmd
}

func newSpendCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Manage USD spending limits",
	}

	var (
		limit  string
		period time.Duration
	)
	set := &cobra.Command{
		Use:   "set <wallet>",
		Short: "Set the USD spending limit of a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := domain.NormalizeWallet(args[0])
			if err != nil {
				return err
			}
			limitUSD, err := decimal.NewFromString(limit)
			if err != nil || limitUSD.IsNegative() {
				return fmt.Errorf("--limit-usd must be a non-negative decimal, got %q", limit)
			}

			ctx, stop := signalContext()
			defer stop()
			a, _, cleanup, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.Spending.UpsertSpendingPolicy(ctx, domain.SpendingPolicy{
				WalletAddress: wallet,
				LimitUSD:      limitUSD,
				Period:        period,
				Active:        true,
			}); err != nil {
				return err
			}
			sp, err := a.Spending.Get(ctx, wallet)
			if err != nil {
				return err
			}
			return printJSON(cmd, sp)
		},
	}
	set.Flags().StringVar(&limit, "limit-usd", "", "max USD spend per period")
	set.Flags().DurationVar(&period, "period", 24*time.Hour, "rolling period, 0 for a lifetime limit")
	_ = set.MarkFlagRequired("limit-usd")

	cmd.AddCommand(set)
	return cmd
}
