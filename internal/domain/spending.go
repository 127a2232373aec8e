package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendingPolicy — внешний лимит трат в USD на кошелек за скользящий период.
// Источник правды, внешнее хранилище; движок не кэширует суммы между тиками.
type SpendingPolicy struct {
	WalletAddress   string          `json:"wallet_address"`
	LimitUSD        decimal.Decimal `json:"limit_usd"`
	Period          time.Duration   `json:"period"`
	SpentUSD        decimal.Decimal `json:"spent_usd"`
	PeriodStartedAt time.Time       `json:"period_started_at"`
	Active          bool            `json:"active"`
}

// EffectiveSpent возвращает траты текущего периода (ноль, если период истек).
func (s *SpendingPolicy) EffectiveSpent(now time.Time) decimal.Decimal {
	if s.Period > 0 && !now.Before(s.PeriodStartedAt.Add(s.Period)) {
		return decimal.Zero
	}
	return s.SpentUSD
}

// Allows — укладывается ли новая трата в лимит
func (s *SpendingPolicy) Allows(usd decimal.Decimal, now time.Time) bool {
	if !s.Active {
		return false
	}
	return s.EffectiveSpent(now).Add(usd).LessThanOrEqual(s.LimitUSD)
}

// Record добавляет трату, открывая новый период при необходимости.
func (s *SpendingPolicy) Record(usd decimal.Decimal, now time.Time) {
	if s.Period > 0 && !now.Before(s.PeriodStartedAt.Add(s.Period)) {
		s.SpentUSD = decimal.Zero
		s.PeriodStartedAt = now
	}
	s.SpentUSD = s.SpentUSD.Add(usd)
}
