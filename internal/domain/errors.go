package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidPolicy = errors.New("invalid policy")
	ErrPriceNotFound = errors.New("usd price not found")

	// Spend-limit: отказ по лимиту и отсутствие активной политики трат (fail closed)
	ErrSpendLimitExceeded = errors.New("spend limit exceeded")
	ErrNoSpendingPolicy   = errors.New("no active spending policy for wallet")

	ErrInsufficientMintBalance = errors.New("delegatee balance too low to mint capacity credential")
)
