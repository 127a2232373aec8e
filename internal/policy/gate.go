package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// DefaultPrecision — знаков после запятой у USD-стоимости сделки
const DefaultPrecision int32 = 18

// SpendingStore — внешнее хранилище лимитов трат.
// CheckLimit без побочных эффектов. RecordSpend обязан сам перепроверить лимит (условный апдейт),
// чтобы гонка двух трат не вывела кошелек за лимит.
type SpendingStore interface {
	CheckLimit(ctx context.Context, wallet string, usd decimal.Decimal) (bool, error)
	RecordSpend(ctx context.Context, wallet string, usd decimal.Decimal) error
}

// USDValue = price × amount, округление вверх до precision знаков.
// Вверх: лимит не должен недосчитать трату.
func USDValue(price, amount decimal.Decimal, precision int32) decimal.Decimal {
	return price.Mul(amount).RoundCeil(precision)
}

// Gate — spend-limit шлюз перед отправкой свопа
type Gate struct {
	store     SpendingStore
	precision int32
	logger    *zap.Logger
}

func NewGate(store SpendingStore, precision int32, logger *zap.Logger) *Gate {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return &Gate{store: store, precision: precision, logger: logger.Named("spend_gate")}
}

// Quote — та же конвертация, без обращения к хранилищу
func (g *Gate) Quote(price, amount decimal.Decimal) decimal.Decimal {
	return USDValue(price, amount, g.precision)
}

// Authorize: check-then-record как одна логическая операция.
// Отказ: domain.ErrSpendLimitExceeded (RecordSpend не вызывается).
// Нет активной политики: domain.ErrNoSpendingPolicy (fail closed).
func (g *Gate) Authorize(ctx context.Context, wallet, asset string, amount, price decimal.Decimal) (decimal.Decimal, error) {
	usd := g.Quote(price, amount)
	log := g.logger.With(zap.String("wallet", wallet), zap.String("asset", asset), zap.String("usd", usd.String()))

	// 1. Проверка лимита
	ok, err := g.store.CheckLimit(ctx, wallet, usd)
	if err != nil {
		if errors.Is(err, domain.ErrNoSpendingPolicy) {
			log.Warn("spend rejected: no active spending policy")
			return usd, err
		}
		return usd, fmt.Errorf("spend gate: check limit: %w", err)
	}
	if !ok {
		log.Info("spend rejected by limit")
		return usd, fmt.Errorf("%w: %s USD for %s", domain.ErrSpendLimitExceeded, usd.StringFixed(2), wallet)
	}

	// 2. Фиксация траты до отправки свопа
	if err := g.store.RecordSpend(ctx, wallet, usd); err != nil {
		if errors.Is(err, domain.ErrSpendLimitExceeded) || errors.Is(err, domain.ErrNoSpendingPolicy) {
			log.Info("spend rejected on record", zap.Error(err))
			return usd, err
		}
		return usd, fmt.Errorf("spend gate: record spend: %w", err)
	}

	log.Debug("spend authorized")
	return usd, nil
}

// IsRejection — отказ по лимиту (в т.ч. отсутствие политики), а не сбой хранилища
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrSpendLimitExceeded) || errors.Is(err, domain.ErrNoSpendingPolicy)
}
