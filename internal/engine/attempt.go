package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/audit"
	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// Executor — контракт пайплайна свопа, общий для тиков и ручного запуска
type Executor interface {
	Execute(ctx context.Context, p domain.Policy) (*domain.PurchaseRecord, error)
}

// runner исполняет одну попытку: таймаут, изоляция паник, журнал и метрики.
type runner struct {
	exec    Executor
	journal audit.Recorder
	metrics *Metrics
	logger  *zap.Logger
	timeout time.Duration
}

func (r *runner) run(ctx context.Context, p domain.Policy, source string) (rec *domain.PurchaseRecord, err error) {
	start := time.Now()

	defer func() {
		// Паника до шага 3 (после него executor ловит сам): записи нет, тик продолжается
		if rv := recover(); rv != nil {
			r.logger.Error("panic in execution", zap.String("wallet", p.WalletAddress), zap.Any("panic", rv), zap.Stack("stack"))
			rec, err = nil, newExecErr(KindPrecondition, "internal", fmt.Errorf("panic: %v", rv))
		}

		outcome := Outcome(rec, err)
		r.metrics.Executions.WithLabelValues(source, outcome).Inc()
		r.metrics.ExecutionDuration.WithLabelValues(source, outcome).Observe(time.Since(start).Seconds())

		event := audit.AttemptEvent{
			ID:            uuid.New().String(),
			TraceID:       TraceID(ctx),
			PolicyID:      p.ID,
			WalletAddress: p.WalletAddress,
			Source:        source,
			Outcome:       outcome,
			Step:          StepOf(err),
			Timestamp:     time.Now().UTC(),
			DurationMs:    time.Since(start).Milliseconds(),
		}
		if err != nil {
			event.Error = err.Error()
		}
		if rec != nil && rec.TxHash != nil {
			event.TxHash = *rec.TxHash
		}
		if r.journal != nil {
			r.journal.Record(event)
		}
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	rec, err = r.exec.Execute(ctx, p)
	var eErr *ExecutionError
	if err != nil && !errors.As(err, &eErr) {
		// Неклассифицированная ошибка: считаем сбоем до сделки
		err = newExecErr(KindPrecondition, "unknown", err)
	}
	return rec, err
}

// Outcome — итог попытки для журнала и метрик
func Outcome(rec *domain.PurchaseRecord, err error) string {
	switch {
	case err == nil:
		return audit.OutcomeSuccess
	case isPersistErr(err):
		return audit.OutcomePersistError
	case IsSystemic(err):
		return audit.OutcomeSystemic
	case rec != nil:
		return audit.OutcomeFailed
	default:
		return audit.OutcomeAborted
	}
}
