package domain

import "time"

// Способность сессии: исполнить один подписанный экшен
const AbilityActionExecution = "lit-action-execution"

// Статус успешного экшена в ответе сети подписи
const ActionStatusSuccess = "success"

type MintParams struct {
	RequestsPerKilosecond          int
	DaysUntilUTCMidnightExpiration int
}

// SessionRequest — запрос делегированной сессии, ограниченной по правам и по времени.
type SessionRequest struct {
	CredentialID  string
	WalletAddress string // Кошелек пользователя, от имени которого подписываем
	Abilities     []string
	Expiration    time.Time
}

type SessionHandle struct {
	ID        string
	ExpiresAt time.Time
}

// SwapParams — параметры swap-экшена. Единственное место, где реально двигаются деньги.
type SwapParams struct {
	WalletAddress string
	SourceAsset   string // "native"
	TargetAsset   string // Адрес контракта токена
	Amount        string
	ChainID       int64
	RPCURL        string
}

type ActionResult struct {
	Status string
	TxHash string
	Error  string
}

// Succeeded — успех только при статусе success и наличии хеша
func (r ActionResult) Succeeded() bool {
	return r.Status == ActionStatusSuccess && r.TxHash != ""
}

// CredentialInfo — ответ сети подписи на минт capacity credential
type CredentialInfo struct {
	ID                    string
	RequestsPerKilosecond int
}

// ActionParams — представление параметров для передачи в экшен
func (p SwapParams) ActionParams() map[string]any {
	return map[string]any{
		"walletAddress": p.WalletAddress,
		"sourceAsset":   p.SourceAsset,
		"targetAsset":   p.TargetAsset,
		"amount":        p.Amount,
		"chainId":       p.ChainID,
		"rpcUrl":        p.RPCURL,
	}
}
