package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// SpendingRepo — источник правды для лимитов трат.
// Суммы не кэшируются: каждая проверка и списание идут в базу.
type SpendingRepo struct {
	db  DB
	now func() time.Time
}

func NewSpendingRepo(db DB, now func() time.Time) *SpendingRepo {
	if now == nil {
		now = time.Now
	}
	return &SpendingRepo{db: db, now: now}
}

// Get возвращает политику трат кошелька, domain.ErrNoSpendingPolicy если её нет
func (r *SpendingRepo) Get(ctx context.Context, wallet string) (*domain.SpendingPolicy, error) {
	query := `
		SELECT wallet_address, limit_usd::text, period_seconds, spent_usd::text, period_started_at, active
		FROM spending_policies
		WHERE wallet_address = $1`

	var (
		sp            domain.SpendingPolicy
		limit, spent  string
		periodSeconds int64
	)
	err := r.db.QueryRow(ctx, query, wallet).Scan(&sp.WalletAddress, &limit, &periodSeconds, &spent, &sp.PeriodStartedAt, &sp.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNoSpendingPolicy, wallet)
		}
		return nil, fmt.Errorf("postgres: get spending policy: %w", err)
	}

	if sp.LimitUSD, err = decimal.NewFromString(limit); err != nil {
		return nil, fmt.Errorf("postgres: limit_usd %q: %w", limit, err)
	}
	if sp.SpentUSD, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("postgres: spent_usd %q: %w", spent, err)
	}
	sp.Period = time.Duration(periodSeconds) * time.Second
	sp.PeriodStartedAt = sp.PeriodStartedAt.UTC()
	return &sp, nil
}

// CheckLimit — укладывается ли трата в остаток текущего периода.
// Неактивная или отсутствующая политика дает domain.ErrNoSpendingPolicy.
func (r *SpendingRepo) CheckLimit(ctx context.Context, wallet string, usd decimal.Decimal) (bool, error) {
	sp, err := r.Get(ctx, wallet)
	if err != nil {
		return false, err
	}
	if !sp.Active {
		return false, fmt.Errorf("%w: %s is inactive", domain.ErrNoSpendingPolicy, wallet)
	}
	return sp.Allows(usd, r.now()), nil
}

// RecordSpend списывает трату одним условным UPDATE: смена периода и проверка лимита
// выполняются атомарно, параллельные списания не могут превысить лимит.
func (r *SpendingRepo) RecordSpend(ctx context.Context, wallet string, usd decimal.Decimal) error {
	query := `
		WITH cur AS (
			SELECT wallet_address,
			       (period_seconds > 0 AND $3 >= period_started_at + period_seconds * INTERVAL '1 second') AS rolled
			FROM spending_policies
			WHERE wallet_address = $1 AND active
			FOR UPDATE
		)
		UPDATE spending_policies sp
		SET spent_usd         = CASE WHEN cur.rolled THEN $2::numeric ELSE sp.spent_usd + $2::numeric END,
		    period_started_at = CASE WHEN cur.rolled THEN $3 ELSE sp.period_started_at END
		FROM cur
		WHERE sp.wallet_address = cur.wallet_address
		  AND (CASE WHEN cur.rolled THEN 0 ELSE sp.spent_usd END) + $2::numeric <= sp.limit_usd`

	tag, err := r.db.Exec(ctx, query, wallet, usd.String(), r.now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: record spend: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Ничего не обновили: либо политики нет, либо лимит исчерпан
	sp, err := r.Get(ctx, wallet)
	if err != nil {
		return err
	}
	if !sp.Active {
		return fmt.Errorf("%w: %s is inactive", domain.ErrNoSpendingPolicy, wallet)
	}
	return fmt.Errorf("%w: %s USD over remaining budget of %s", domain.ErrSpendLimitExceeded, usd, wallet)
}

// UpsertSpendingPolicy задает лимит кошелька. Уже потраченное в текущем периоде сохраняется.
func (r *SpendingRepo) UpsertSpendingPolicy(ctx context.Context, sp domain.SpendingPolicy) error {
	query := `
		INSERT INTO spending_policies (wallet_address, limit_usd, period_seconds, spent_usd, period_started_at, active)
		VALUES ($1, $2::numeric, $3, $4::numeric, $5, $6)
		ON CONFLICT (wallet_address) DO UPDATE
		SET limit_usd      = EXCLUDED.limit_usd,
		    period_seconds = EXCLUDED.period_seconds,
		    active         = EXCLUDED.active`

	startedAt := sp.PeriodStartedAt
	if startedAt.IsZero() {
		startedAt = r.now().UTC()
	}
	_, err := r.db.Exec(ctx, query, sp.WalletAddress, sp.LimitUSD.String(), int64(sp.Period/time.Second),
		sp.SpentUSD.String(), startedAt, sp.Active)
	if err != nil {
		return fmt.Errorf("postgres: upsert spending policy: %w", err)
	}
	return nil
}
