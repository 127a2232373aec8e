package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/dca-autopilot/internal/audit"
)

// AttemptRepo — хранилище журнала исполнения (audit.Storage)
type AttemptRepo struct {
	db DB
}

func NewAttemptRepo(db DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

const attemptFields = 11

func (r *AttemptRepo) WriteBatch(ctx context.Context, events []audit.AttemptEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(events)*attemptFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for f := 1; f <= attemptFields; f++ {
			if f > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*attemptFields+f)
		}
		sb.WriteString(")")

		vals = append(vals,
			e.ID, e.TraceID, e.PolicyID, e.WalletAddress, e.Source, e.Outcome,
			e.Step, e.Error, e.TxHash, e.DurationMs, e.Timestamp,
		)
	}

	// Батч может прийти повторно после ретрая журнала
	query := `INSERT INTO execution_attempts
		(id, trace_id, policy_id, wallet_address, source, outcome, step, error, tx_hash, duration_ms, timestamp)
		VALUES ` + sb.String() + ` ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write attempts batch: %w", err)
	}
	return nil
}
