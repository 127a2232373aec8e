package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/audit"
	"github.com/xela07ax/dca-autopilot/internal/domain"
)

var (
	ErrWalletBusy     = errors.New("wallet execution already in flight")
	ErrWalletPaused   = errors.New("wallet is paused by operator")
	ErrPolicyInactive = errors.New("policy is not active")
)

type PolicyLookup interface {
	FindPolicyByWallet(ctx context.Context, wallet string) (*domain.Policy, error)
}

type PurchaseLister interface {
	ListPurchasesByWallet(ctx context.Context, wallet string, limit int) ([]domain.PurchaseRecord, error)
}

type Simulator interface {
	Simulate(ctx context.Context, wallet string, amount decimal.Decimal) (*Quote, error)
}

const (
	DefaultPurchasesLimit = 50
	MaxPurchasesLimit     = 500
)

// Trigger — ручной запуск вне тик-лупа: тот же пайплайн, тот же реестр in-flight.
type Trigger struct {
	policies  PolicyLookup
	purchases PurchaseLister
	sim       Simulator
	runner    *runner
	inflight  *InFlight
	pauses    PauseChecker
	logger    *zap.Logger
}

func NewTrigger(policies PolicyLookup, purchases PurchaseLister, exec Executor, sim Simulator, inflight *InFlight,
	pauses PauseChecker, journal audit.Recorder, metrics *Metrics, logger *zap.Logger, execTimeout time.Duration) *Trigger {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	log := logger.Named("trigger")
	return &Trigger{
		policies:  policies,
		purchases: purchases,
		sim:       sim,
		runner: &runner{
			exec:    exec,
			journal: journal,
			metrics: metrics,
			logger:  log,
			timeout: execTimeout,
		},
		inflight: inflight,
		pauses:   pauses,
		logger:   log,
	}
}

// ExecuteNow исполняет политику кошелька немедленно, без проверки due-ness.
func (t *Trigger) ExecuteNow(ctx context.Context, wallet string) (*domain.PurchaseRecord, error) {
	p, err := t.lookup(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ErrPolicyInactive, p.WalletAddress)
	}
	if t.pauses != nil && t.pauses.IsPaused(p.WalletAddress) {
		return nil, fmt.Errorf("%w: %s", ErrWalletPaused, p.WalletAddress)
	}
	if !t.inflight.TryAcquire(p.WalletAddress) {
		return nil, fmt.Errorf("%w: %s", ErrWalletBusy, p.WalletAddress)
	}
	defer t.inflight.Release(p.WalletAddress)

	t.logger.Info("manual execution requested", zap.String("wallet", p.WalletAddress), zap.String("trace_id", TraceID(ctx)))
	return t.runner.run(ctx, *p, audit.SourceManual)
}

// Simulate — котировка без обращения к сети подписи
func (t *Trigger) Simulate(ctx context.Context, wallet string) (*Quote, error) {
	p, err := t.lookup(ctx, wallet)
	if err != nil {
		return nil, err
	}
	amount, err := p.Amount()
	if err != nil {
		return nil, err
	}
	return t.sim.Simulate(ctx, p.WalletAddress, amount)
}

// Purchases — история покупок кошелька, новые сверху
func (t *Trigger) Purchases(ctx context.Context, wallet string, limit int) ([]domain.PurchaseRecord, error) {
	w, err := domain.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPurchasesLimit
	}
	if limit > MaxPurchasesLimit {
		limit = MaxPurchasesLimit
	}
	return t.purchases.ListPurchasesByWallet(ctx, w, limit)
}

func (t *Trigger) lookup(ctx context.Context, wallet string) (*domain.Policy, error) {
	w, err := domain.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	p, err := t.policies.FindPolicyByWallet(ctx, w)
	if err != nil {
		return nil, err
	}
	return p, nil
}
