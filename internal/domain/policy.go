package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Границы интервала покупки (секунды): от 10 секунд до года.
const (
	MinIntervalSeconds = 10
	MaxIntervalSeconds = 31536000
)

// Policy — правило регулярной покупки для одного кошелька (DCA).
// Принадлежит подсистеме управления политиками, движок только читает её.
type Policy struct {
	ID              string    `json:"id"`
	WalletAddress   string    `json:"wallet_address"`   // Канонический lowercase 0x-адрес (20 байт)
	IntervalSeconds int64     `json:"interval_seconds"` // Период покупки
	PurchaseAmount  string    `json:"purchase_amount"`  // Сумма в нативном активе, десятичная строка
	Active          bool      `json:"active"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// Interval возвращает период покупки как time.Duration
func (p *Policy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Amount парсит сумму покупки
func (p *Policy) Amount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(p.PurchaseAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: purchase amount %q is not a decimal", ErrInvalidPolicy, p.PurchaseAmount)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: purchase amount %q is negative", ErrInvalidPolicy, p.PurchaseAmount)
	}
	return amount, nil
}

// Validate проверяет инварианты политики перед исполнением.
func (p *Policy) Validate() error {
	if p.IntervalSeconds < MinIntervalSeconds || p.IntervalSeconds > MaxIntervalSeconds {
		return fmt.Errorf("%w: interval %ds out of range [%d, %d]",
			ErrInvalidPolicy, p.IntervalSeconds, MinIntervalSeconds, MaxIntervalSeconds)
	}
	if _, err := p.Amount(); err != nil {
		return err
	}
	canonical, err := NormalizeWallet(p.WalletAddress)
	if err != nil {
		return err
	}
	if canonical != p.WalletAddress {
		return fmt.Errorf("%w: wallet %q is not in canonical lowercase form", ErrInvalidPolicy, p.WalletAddress)
	}
	return nil
}

// IsDue — решение «пора ли покупать».
// Без истории покупок отсчет идет от регистрации, иначе от последней записи (успешной или нет).
// Пропущенные тики не накапливаются: за один тик срабатывает максимум одна покупка.
func (p *Policy) IsDue(now time.Time, lastPurchaseAt *time.Time) bool {
	since := p.RegisteredAt
	if lastPurchaseAt != nil {
		since = *lastPurchaseAt
	}
	return now.Sub(since) >= p.Interval()
}

// NormalizeWallet приводит адрес к каноническому виду (lowercase hex с префиксом 0x).
func NormalizeWallet(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q is not a 20-byte hex address", ErrInvalidPolicy, addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}
