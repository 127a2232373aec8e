package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/domain"
	"github.com/xela07ax/dca-autopilot/internal/policy"
	"github.com/xela07ax/dca-autopilot/internal/risk"
)

// SourceAssetNative — покупаем всегда за нативный актив сети
const SourceAssetNative = "native"

type AssetResolver interface {
	GetTargetAsset(ctx context.Context) (domain.TargetAsset, error)
}

type PriceSource interface {
	GetUSDPrice(ctx context.Context, assetAddress, chain string) (decimal.Decimal, error)
}

type BalanceReader interface {
	GetNativeBalance(ctx context.Context, address, rpcURL string) (decimal.Decimal, error)
}

type CredentialSource interface {
	GetOrMint(ctx context.Context) (domain.CapacityCredential, error)
}

type SpendAuthorizer interface {
	Authorize(ctx context.Context, wallet, asset string, amount, price decimal.Decimal) (decimal.Decimal, error)
	Quote(price, amount decimal.Decimal) decimal.Decimal
}

type PurchaseWriter interface {
	InsertPurchaseRecord(ctx context.Context, rec domain.PurchaseRecord) error
}

type ExecutorConfig struct {
	ChainName          string
	ChainID            int64
	RPCURL             string
	NativePriceAddress string // Адрес, по которому оракул отдает цену нативного актива (WETH и т.п.)

	GasBufferPct        decimal.Decimal
	DelegateeAddress    string
	DelegateeMinBalance decimal.Decimal

	SessionTTL     time.Duration
	ActionID       string
	PersistTimeout time.Duration
}

// Deps — внешние коллабораторы пайплайна
type Deps struct {
	Assets      AssetResolver
	Prices      PriceSource
	Balances    BalanceReader
	Credentials CredentialSource
	Signer      Signer
	Spend       SpendAuthorizer
	Purchases   PurchaseWriter
}

// SwapExecutor — пайплайн одной DCA-покупки.
// Итог: успешная запись, неуспешная запись или прерывание без записи (предусловие/системный сбой).
type SwapExecutor struct {
	cfg    ExecutorConfig
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewSwapExecutor(cfg ExecutorConfig, deps Deps, logger *zap.Logger, now func() time.Time) *SwapExecutor {
	if now == nil {
		now = time.Now
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &SwapExecutor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("executor"),
		tracer: otel.Tracer("github.com/xela07ax/dca-autopilot/internal/engine"),
		now:    now,
	}
}

// Quote — результат симуляции: шаги 1–3 и USD-стоимость, без сети подписи и без записей.
type Quote struct {
	WalletAddress       string             `json:"wallet_address"`
	Asset               domain.TargetAsset `json:"asset"`
	Amount              decimal.Decimal    `json:"amount"`
	NativePriceUSD      decimal.Decimal    `json:"native_price_usd"`
	USDValue            decimal.Decimal    `json:"usd_value"`
	RequiredBalance     decimal.Decimal    `json:"required_balance"`
	UserBalance         decimal.Decimal    `json:"user_balance"`
	UserSufficient      bool               `json:"user_sufficient"`
	DelegateeBalance    decimal.Decimal    `json:"delegatee_balance"`
	DelegateeSufficient bool               `json:"delegatee_sufficient"`
	QuotedAt            time.Time          `json:"quoted_at"`
}

// preflight — данные шагов 1–3
type preflight struct {
	asset            domain.TargetAsset
	nativePrice      decimal.Decimal
	userBalance      decimal.Decimal
	delegateeBalance decimal.Decimal
}

// Execute прогоняет полный пайплайн для политики.
// Ошибка всегда *ExecutionError; при KindTrade и KindSpendLimit вместе с ней возвращается записанный рекорд.
func (e *SwapExecutor) Execute(ctx context.Context, p domain.Policy) (rec *domain.PurchaseRecord, err error) {
	ctx, span := e.tracer.Start(ctx, "swap.execute", trace.WithAttributes(
		attribute.String("dca.wallet", p.WalletAddress),
		attribute.String("dca.policy_id", p.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := e.logger.With(zap.String("wallet", p.WalletAddress), zap.String("policy_id", p.ID), zap.String("trace_id", TraceID(ctx)))

	if err := p.Validate(); err != nil {
		return nil, newExecErr(KindPrecondition, "validate_policy", err)
	}
	amount, _ := p.Amount()

	// Шаги 1–3: ассет, цена, балансы
	pf, err := e.preflight(ctx, p.WalletAddress)
	if err != nil {
		log.Warn("execution aborted", zap.String("step", StepOf(err)), zap.Error(err))
		return nil, err
	}

	if err := risk.CheckUserBalance(pf.userBalance, amount, e.cfg.GasBufferPct); err != nil {
		log.Info("execution aborted: user wallet underfunded", zap.Error(err))
		return nil, newExecErr(KindPrecondition, StepUserBalance, err)
	}
	if err := risk.CheckDelegateeBalance(pf.delegateeBalance, e.cfg.DelegateeMinBalance); err != nil {
		log.Error("delegatee wallet underfunded, operator action required",
			zap.String("delegatee", e.cfg.DelegateeAddress), zap.Error(err))
		return nil, newExecErr(KindSystemic, StepDelegatee, err)
	}

	return e.trade(ctx, log, p, amount, pf)
}

func (e *SwapExecutor) preflight(ctx context.Context, wallet string) (*preflight, error) {
	var pf preflight
	var err error

	// 1. Что покупаем
	err = e.step(ctx, StepResolveAsset, func(ctx context.Context) (err error) {
		pf.asset, err = e.deps.Assets.GetTargetAsset(ctx)
		return err
	})
	if err != nil {
		return nil, newExecErr(KindPrecondition, StepResolveAsset, err)
	}

	// 2. Цена нативного актива
	err = e.step(ctx, StepPrice, func(ctx context.Context) (err error) {
		pf.nativePrice, err = e.deps.Prices.GetUSDPrice(ctx, e.cfg.NativePriceAddress, e.cfg.ChainName)
		return err
	})
	if err != nil {
		return nil, newExecErr(KindPrecondition, StepPrice, err)
	}

	// 3. Балансы пользователя и delegatee
	err = e.step(ctx, StepUserBalance, func(ctx context.Context) (err error) {
		pf.userBalance, err = e.deps.Balances.GetNativeBalance(ctx, wallet, e.cfg.RPCURL)
		return err
	})
	if err != nil {
		return nil, newExecErr(KindPrecondition, StepUserBalance, err)
	}

	err = e.step(ctx, StepDelegatee, func(ctx context.Context) (err error) {
		pf.delegateeBalance, err = e.deps.Balances.GetNativeBalance(ctx, e.cfg.DelegateeAddress, e.cfg.RPCURL)
		return err
	})
	if err != nil {
		// Не можем убедиться в платежеспособности сервиса это касается всех политик тика
		return nil, newExecErr(KindSystemic, StepDelegatee, err)
	}

	return &pf, nil
}

// trade — шаги 4–8. Паника здесь превращается в failed-запись.
func (e *SwapExecutor) trade(ctx context.Context, log *zap.Logger, p domain.Policy, amount decimal.Decimal, pf *preflight) (rec *domain.PurchaseRecord, err error) {
	step := StepCredential
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in swap pipeline", zap.String("step", step), zap.Any("panic", r), zap.Stack("stack"))
			rec, err = e.fail(ctx, log, p, pf.asset, KindTrade, step, fmt.Errorf("internal error: %v", r))
		}
	}()

	// 4. Capacity credential. После системного сбоя в тике к сети подписи не идем
	if err := tickAborted(ctx); err != nil {
		log.Info("execution aborted: tick stopped", zap.Error(err))
		return nil, newExecErr(KindPrecondition, StepCredential, err)
	}
	var cred domain.CapacityCredential
	err = e.step(ctx, StepCredential, func(ctx context.Context) (err error) {
		cred, err = e.deps.Credentials.GetOrMint(ctx)
		return err
	})
	if err != nil {
		log.Error("capacity credential unavailable", zap.Error(err))
		return nil, newExecErr(KindSystemic, StepCredential, err)
	}

	// 5. Делегированная сессия: одна способность, ограниченное время
	step = StepSession
	var session domain.SessionHandle
	err = e.step(ctx, StepSession, func(ctx context.Context) (err error) {
		session, err = e.deps.Signer.CreateDelegatedSession(ctx, domain.SessionRequest{
			CredentialID:  cred.ID,
			WalletAddress: p.WalletAddress,
			Abilities:     []string{domain.AbilityActionExecution},
			Expiration:    e.now().UTC().Add(e.cfg.SessionTTL),
		})
		return err
	})
	if err != nil {
		if IsBreakerOpen(err) {
			// Сайдкар не вызывался: сделки не было, записи нет
			log.Error("signer circuit breaker is open", zap.Error(err))
			return nil, newExecErr(KindSystemic, StepSession, err)
		}
		return e.fail(ctx, log, p, pf.asset, KindTrade, StepSession, fmt.Errorf("delegated session: %w", err))
	}

	// 6. Spend-limit: check-then-record до отправки свопа
	step = StepSpendLimit
	err = e.step(ctx, StepSpendLimit, func(ctx context.Context) (err error) {
		_, err = e.deps.Spend.Authorize(ctx, p.WalletAddress, pf.asset.ContractAddress, amount, pf.nativePrice)
		return err
	})
	if err != nil {
		if policy.IsRejection(err) {
			return e.fail(ctx, log, p, pf.asset, KindSpendLimit, StepSpendLimit, err)
		}
		return e.fail(ctx, log, p, pf.asset, KindTrade, StepSpendLimit, fmt.Errorf("spend limit check unavailable: %w", err))
	}

	// 7. Своп, единственное место, где двигаются деньги
	step = StepSubmit
	params := domain.SwapParams{
		WalletAddress: p.WalletAddress,
		SourceAsset:   SourceAssetNative,
		TargetAsset:   pf.asset.ContractAddress,
		Amount:        p.PurchaseAmount,
		ChainID:       e.cfg.ChainID,
		RPCURL:        e.cfg.RPCURL,
	}
	var res domain.ActionResult
	err = e.step(ctx, StepSubmit, func(ctx context.Context) (err error) {
		res, err = e.deps.Signer.SubmitAction(ctx, session, e.cfg.ActionID, params.ActionParams())
		return err
	})
	if err != nil {
		failed, fErr := e.fail(ctx, log, p, pf.asset, KindTrade, StepSubmit, fmt.Errorf("swap submission: %w", err))
		if IsBreakerOpen(err) && !isPersistErr(fErr) {
			// Запись уже есть, но дальше тик не продолжаем
			return failed, newExecErr(KindSystemic, StepSubmit, err)
		}
		return failed, fErr
	}

	// 8. Интерпретация: успех только при status=success и наличии хеша
	step = StepInterpret
	if !res.Succeeded() {
		reason := res.Error
		if reason == "" {
			reason = fmt.Sprintf("swap action returned status %q without transaction hash", res.Status)
		}
		return e.fail(ctx, log, p, pf.asset, KindTrade, StepInterpret, errors.New(reason))
	}

	// 9. Persist
	step = StepPersist
	done := domain.NewSuccessfulPurchase(p, pf.asset, res.TxHash, e.now())
	if err := e.persist(ctx, done); err != nil {
		log.Error("swap succeeded but purchase record was not saved",
			zap.String("tx_hash", res.TxHash), zap.Error(err))
		return &done, newExecErr(KindPersist, StepPersist, err)
	}

	log.Info("dca purchase executed",
		zap.String("token", pf.asset.Symbol),
		zap.String("amount", p.PurchaseAmount),
		zap.String("tx_hash", res.TxHash))
	return &done, nil
}

// fail пишет failed-запись и возвращает классифицированную ошибку
func (e *SwapExecutor) fail(ctx context.Context, log *zap.Logger, p domain.Policy, asset domain.TargetAsset, kind ErrorKind, step string, cause error) (*domain.PurchaseRecord, error) {
	rec := domain.NewFailedPurchase(p, asset, cause.Error(), e.now())

	if err := e.persist(ctx, rec); err != nil {
		log.Error("failed to save failed purchase record", zap.String("step", step), zap.NamedError("cause", cause), zap.Error(err))
		return &rec, newExecErr(KindPersist, StepPersist, fmt.Errorf("%s at %s: %v: %w", kind, step, cause, err))
	}

	log.Warn("dca purchase failed", zap.String("kind", string(kind)), zap.String("step", step), zap.Error(cause))
	return &rec, newExecErr(kind, step, cause)
}

// persist не зависит от отмены вызывающего: итог сделки нельзя терять
func (e *SwapExecutor) persist(ctx context.Context, rec domain.PurchaseRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	return e.step(ctx, StepPersist, func(ctx context.Context) error {
		return e.deps.Purchases.InsertPurchaseRecord(ctx, rec)
	})
}

// step оборачивает шаг пайплайна в span
func (e *SwapExecutor) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "swap."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func isPersistErr(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPersist
}

// Simulate — шаги 1–3 и USD-конвертация. Сеть подписи не вызывается, ничего не пишется.
// Нехватка средств не ошибка: она отражается в котировке.
func (e *SwapExecutor) Simulate(ctx context.Context, wallet string, amount decimal.Decimal) (*Quote, error) {
	ctx, span := e.tracer.Start(ctx, "swap.simulate", trace.WithAttributes(attribute.String("dca.wallet", wallet)))
	defer span.End()

	pf, err := e.preflight(ctx, wallet)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &Quote{
		WalletAddress:       wallet,
		Asset:               pf.asset,
		Amount:              amount,
		NativePriceUSD:      pf.nativePrice,
		USDValue:            e.deps.Spend.Quote(pf.nativePrice, amount),
		RequiredBalance:     risk.RequiredBalance(amount, e.cfg.GasBufferPct),
		UserBalance:         pf.userBalance,
		UserSufficient:      risk.CheckUserBalance(pf.userBalance, amount, e.cfg.GasBufferPct) == nil,
		DelegateeBalance:    pf.delegateeBalance,
		DelegateeSufficient: risk.CheckDelegateeBalance(pf.delegateeBalance, e.cfg.DelegateeMinBalance) == nil,
		QuotedAt:            e.now().UTC(),
	}, nil
}
