package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TargetAsset — токен, который сейчас покупаем (ответ trending-резолвера).
type TargetAsset struct {
	Symbol          string          `json:"symbol"`
	Name            string          `json:"name"`
	ContractAddress string          `json:"contract_address"`
	Price           decimal.Decimal `json:"price"`
}

// PurchaseRecord — неизменяемая запись об одной попытке исполнения (успех или отказ).
type PurchaseRecord struct {
	ID             string          `json:"id"`
	PolicyID       string          `json:"policy_id"`
	WalletAddress  string          `json:"wallet_address"`
	TokenSymbol    string          `json:"token_symbol"`
	TokenName      string          `json:"token_name"`
	TokenAddress   string          `json:"token_address"`
	TokenPrice     decimal.Decimal `json:"token_price"`
	PurchaseAmount string          `json:"purchase_amount"`
	Success        bool            `json:"success"`
	TxHash         *string         `json:"tx_hash,omitempty"` // Уникален, если есть
	Error          *string         `json:"error,omitempty"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

func newPurchase(p Policy, asset TargetAsset, at time.Time) PurchaseRecord {
	return PurchaseRecord{
		ID:             uuid.New().String(),
		PolicyID:       p.ID,
		WalletAddress:  p.WalletAddress,
		TokenSymbol:    asset.Symbol,
		TokenName:      asset.Name,
		TokenAddress:   asset.ContractAddress,
		TokenPrice:     asset.Price,
		PurchaseAmount: p.PurchaseAmount,
		ExecutedAt:     at.UTC(),
	}
}

// NewSuccessfulPurchase фиксирует успешный своп с хешем транзакции
func NewSuccessfulPurchase(p Policy, asset TargetAsset, txHash string, at time.Time) PurchaseRecord {
	r := newPurchase(p, asset, at)
	r.Success = true
	r.TxHash = &txHash
	return r
}

// NewFailedPurchase фиксирует неуспешную попытку с человекочитаемой причиной
func NewFailedPurchase(p Policy, asset TargetAsset, reason string, at time.Time) PurchaseRecord {
	r := newPurchase(p, asset, at)
	if reason == "" {
		reason = "unknown error"
	}
	r.Error = &reason
	return r
}
