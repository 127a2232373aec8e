package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

const purchaseColumns = `id, policy_id, wallet_address, token_symbol, token_name, token_address,
	token_price::text, purchase_amount::text, success, tx_hash, error, executed_at`

// ErrDuplicateTxHash — попытка записать вторую запись с тем же хешем транзакции
var ErrDuplicateTxHash = errors.New("postgres: duplicate tx hash")

// PurchaseRepo — журнал покупок: только вставка и чтение, записи неизменяемы.
type PurchaseRepo struct {
	db DB
}

func NewPurchaseRepo(db DB) *PurchaseRepo {
	return &PurchaseRepo{db: db}
}

// FindLatestPurchase возвращает последнюю запись политики (успешную или нет).
// nil без ошибки, если покупок еще не было.
func (r *PurchaseRepo) FindLatestPurchase(ctx context.Context, policyID string) (*domain.PurchaseRecord, error) {
	query := `SELECT ` + purchaseColumns + `
		FROM purchase_records
		WHERE policy_id = $1
		ORDER BY executed_at DESC
		LIMIT 1`

	rec, err := scanPurchase(r.db.QueryRow(ctx, query, policyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: find latest purchase: %w", err)
	}
	return &rec, nil
}

func (r *PurchaseRepo) InsertPurchaseRecord(ctx context.Context, rec domain.PurchaseRecord) error {
	query := `
		INSERT INTO purchase_records (id, policy_id, wallet_address, token_symbol, token_name, token_address,
			token_price, purchase_amount, success, tx_hash, error, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.PolicyID, rec.WalletAddress, rec.TokenSymbol, rec.TokenName, rec.TokenAddress,
		rec.TokenPrice.String(), rec.PurchaseAmount, rec.Success, rec.TxHash, rec.Error, rec.ExecutedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "purchase_records_tx_hash_key" {
			return fmt.Errorf("%w: %v", ErrDuplicateTxHash, derefOr(rec.TxHash, ""))
		}
		return fmt.Errorf("postgres: insert purchase record: %w", err)
	}
	return nil
}

// ListPurchasesByWallet — история кошелька, новые первыми
func (r *PurchaseRepo) ListPurchasesByWallet(ctx context.Context, wallet string, limit int) ([]domain.PurchaseRecord, error) {
	query := `SELECT ` + purchaseColumns + `
		FROM purchase_records
		WHERE wallet_address = $1
		ORDER BY executed_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list purchases: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустым слайсом, чтобы в JSON ушел [], а не null
	results := make([]domain.PurchaseRecord, 0)
	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan purchase: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate purchases: %w", err)
	}
	return results, nil
}

func scanPurchase(row pgx.Row) (domain.PurchaseRecord, error) {
	var (
		rec   domain.PurchaseRecord
		price string
	)
	err := row.Scan(&rec.ID, &rec.PolicyID, &rec.WalletAddress, &rec.TokenSymbol, &rec.TokenName, &rec.TokenAddress,
		&price, &rec.PurchaseAmount, &rec.Success, &rec.TxHash, &rec.Error, &rec.ExecutedAt)
	if err != nil {
		return rec, err
	}
	if rec.TokenPrice, err = decimal.NewFromString(price); err != nil {
		return rec, fmt.Errorf("token price %q: %w", price, err)
	}
	rec.ExecutedAt = rec.ExecutedAt.UTC()
	return rec, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
