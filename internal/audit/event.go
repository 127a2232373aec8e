package audit

import "time"

// Источник попытки исполнения
const (
	SourceTick   = "tick"
	SourceManual = "manual"
)

// Итог попытки
const (
	OutcomeSuccess      = "success"
	OutcomeFailed       = "failed"        // Записан PurchaseRecord с success=false
	OutcomeAborted      = "aborted"       // Предусловие, записи нет
	OutcomeSystemic     = "systemic"      // Системный сбой, тик остановлен
	OutcomePersistError = "persist_error" // Итог был, но сохранить не удалось
)

// AttemptEvent — запись журнала исполнения. В отличие от PurchaseRecord,
// пишется на каждую попытку, в том числе на прерванные без записи.
type AttemptEvent struct {
	ID            string    `json:"id"`
	TraceID       string    `json:"trace_id"` // Сквозной ID тика или HTTP-запроса
	PolicyID      string    `json:"policy_id"`
	WalletAddress string    `json:"wallet_address"`
	Source        string    `json:"source"`
	Outcome       string    `json:"outcome"`
	Step          string    `json:"step"` // На каком шаге пайплайна закончили
	Error         string    `json:"error,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	DurationMs    int64     `json:"duration_ms"`
}
