package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

const policyColumns = `id, wallet_address, interval_seconds, purchase_amount::text, active, registered_at`

// PolicyRepo читает политики DCA. Запись, забота подсистемы управления.
type PolicyRepo struct {
	db DB
}

func NewPolicyRepo(db DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// FindActivePolicies — все активные политики на момент тика
func (r *PolicyRepo) FindActivePolicies(ctx context.Context) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM dca_policies WHERE active ORDER BY registered_at, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: query active policies: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate policies: %w", err)
	}
	return results, nil
}

// FindPolicyByWallet ищет политику кошелька (в том числе неактивную)
func (r *PolicyRepo) FindPolicyByWallet(ctx context.Context, wallet string) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM dca_policies WHERE wallet_address = $1`

	p, err := scanPolicy(r.db.QueryRow(ctx, query, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("policy for %s: %w", wallet, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: find policy by wallet: %w", err)
	}
	return &p, nil
}

// UpsertPolicy регистрирует политику кошелька. Новая политика заменяет прежнюю целиком:
// новый id и registered_at, отсчет интервала начинается заново.
func (r *PolicyRepo) UpsertPolicy(ctx context.Context, p domain.Policy) error {
	query := `
		INSERT INTO dca_policies (id, wallet_address, interval_seconds, purchase_amount, active, registered_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (wallet_address) DO UPDATE
		SET id               = EXCLUDED.id,
		    registered_at    = EXCLUDED.registered_at,
		    interval_seconds = EXCLUDED.interval_seconds,
		    purchase_amount  = EXCLUDED.purchase_amount,
		    active           = EXCLUDED.active`

	_, err := r.db.Exec(ctx, query, p.ID, p.WalletAddress, p.IntervalSeconds, p.PurchaseAmount, p.Active, p.RegisteredAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert policy: %w", err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (domain.Policy, error) {
	var p domain.Policy
	err := row.Scan(&p.ID, &p.WalletAddress, &p.IntervalSeconds, &p.PurchaseAmount, &p.Active, &p.RegisteredAt)
	p.RegisteredAt = p.RegisteredAt.UTC()
	return p, err
}
