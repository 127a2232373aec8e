package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultGasBufferPct — запас на газ: 10% от суммы покупки
var DefaultGasBufferPct = decimal.RequireFromString("0.10")

var (
	// ErrInsufficientBalance — у пользователя не хватает средств (предусловие, лечится пополнением)
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	// ErrDelegateeUnderfunded — кошелек сервиса не может платить комиссии (системная ошибка)
	ErrDelegateeUnderfunded = errors.New("delegatee wallet underfunded")
)

// RequiredBalance = amount × (1 + gasBufferPct)
func RequiredBalance(amount, gasBufferPct decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(1).Add(gasBufferPct))
}

func CheckUserBalance(balance, amount, gasBufferPct decimal.Decimal) error {
	required := RequiredBalance(amount, gasBufferPct)
	if balance.LessThan(required) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, required)
	}
	return nil
}

func CheckDelegateeBalance(balance, minimum decimal.Decimal) error {
	if balance.LessThan(minimum) {
		return fmt.Errorf("%w: have %s, need %s", ErrDelegateeUnderfunded, balance, minimum)
	}
	return nil
}
