package engine

import (
	"errors"
	"fmt"
)

// ErrorKind — класс отказа пайплайна. От него зависит, пишем ли PurchaseRecord
// и продолжаем ли тик.
type ErrorKind string

const (
	// Предусловие: записи нет, лечится само на следующих тиках
	KindPrecondition ErrorKind = "precondition"
	// Системный сбой: остаток тика отменяется, нужен оператор
	KindSystemic ErrorKind = "systemic"
	// Сбой сделки: записан PurchaseRecord с success=false
	KindTrade ErrorKind = "trade"
	// Отказ spend-limit: тоже failed-запись, но со своей причиной
	KindSpendLimit ErrorKind = "spend_limit"
	// Итог есть, но сохранить его не удалось
	KindPersist ErrorKind = "persist"
)

// Шаги пайплайна
const (
	StepResolveAsset = "resolve_asset"
	StepPrice        = "price"
	StepUserBalance  = "user_balance"
	StepDelegatee    = "delegatee_balance"
	StepCredential   = "capacity_credential"
	StepSession      = "delegated_session"
	StepSpendLimit   = "spend_limit"
	StepSubmit       = "submit_swap"
	StepInterpret    = "interpret_result"
	StepPersist      = "persist"
)

// ErrTickAborted: тик уже остановлен системным сбоем другой политики
var ErrTickAborted = errors.New("tick aborted by systemic failure")

type ExecutionError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failure at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func newExecErr(kind ErrorKind, step string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Step: step, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var eErr *ExecutionError
	if errors.As(err, &eErr) {
		return eErr.Kind, true
	}
	return "", false
}

// IsSystemic — ошибка должна остановить весь тик
func IsSystemic(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSystemic
}

// IsPrecondition — попытка прервана до сделки, записи нет
func IsPrecondition(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPrecondition
}

// StepOf возвращает шаг, на котором упал пайплайн
func StepOf(err error) string {
	var eErr *ExecutionError
	if errors.As(err, &eErr) {
		return eErr.Step
	}
	return ""
}
