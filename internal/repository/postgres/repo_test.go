package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/dca-autopilot/internal/audit"
	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// Интеграционные тесты: нужен живой Postgres в TEST_DATABASE_URL
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := Open(ctx, PoolConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, EnsureSchema(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE execution_attempts, purchase_records, spending_policies, dca_policies`)
	require.NoError(t, err)
	return pool
}

func seedPolicy(t *testing.T, repo *PolicyRepo, wallet string, active bool) domain.Policy {
	t.Helper()
	p := domain.Policy{
		ID:              uuid.NewString(),
		WalletAddress:   wallet,
		IntervalSeconds: 60,
		PurchaseAmount:  "0.01",
		Active:          active,
		RegisteredAt:    time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.UpsertPolicy(context.Background(), p))
	return p
}

func TestPolicyRepo(t *testing.T) {
	pool := testPool(t)
	repo := NewPolicyRepo(pool)
	ctx := context.Background()

	active := seedPolicy(t, repo, "0x00000000000000000000000000000000000000a1", true)
	seedPolicy(t, repo, "0x00000000000000000000000000000000000000b2", false)

	list, err := repo.FindActivePolicies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)
	assert.Equal(t, "0.01", list[0].PurchaseAmount)
	assert.True(t, active.RegisteredAt.Equal(list[0].RegisteredAt))

	got, err := repo.FindPolicyByWallet(ctx, "0x00000000000000000000000000000000000000b2")
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = repo.FindPolicyByWallet(ctx, "0x00000000000000000000000000000000000000ff")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPolicyRepo_UpsertReplacesPriorPolicy(t *testing.T) {
	pool := testPool(t)
	policies := NewPolicyRepo(pool)
	purchases := NewPurchaseRepo(pool)
	ctx := context.Background()
	wallet := "0x00000000000000000000000000000000000000a1"

	old := seedPolicy(t, policies, wallet, true)
	asset := domain.TargetAsset{Symbol: "DEGEN", ContractAddress: "0x4ed4", Price: decimal.RequireFromString("0.0123")}
	require.NoError(t, purchases.InsertPurchaseRecord(ctx,
		domain.NewSuccessfulPurchase(old, asset, "0xhash-old", old.RegisteredAt.Add(time.Hour))))

	replacement := domain.Policy{
		ID:              "policy-replacement",
		WalletAddress:   wallet,
		IntervalSeconds: 60,
		PurchaseAmount:  "0.5",
		Active:          true,
		RegisteredAt:    old.RegisteredAt.Add(48 * time.Hour),
	}
	require.NoError(t, policies.UpsertPolicy(ctx, replacement))

	got, err := policies.FindPolicyByWallet(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, got.ID)
	assert.True(t, replacement.RegisteredAt.Equal(got.RegisteredAt))
	assert.Equal(t, int64(60), got.IntervalSeconds)
	assert.Equal(t, "0.5", got.PurchaseAmount)

	// Новая политика начинает без истории, старые покупки остаются у кошелька
	latest, err := purchases.FindLatestPurchase(ctx, replacement.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
	list, err := purchases.ListPurchasesByWallet(ctx, wallet, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPurchaseRepo(t *testing.T) {
	pool := testPool(t)
	policies := NewPolicyRepo(pool)
	repo := NewPurchaseRepo(pool)
	ctx := context.Background()

	p := seedPolicy(t, policies, "0x00000000000000000000000000000000000000a1", true)

	latest, err := repo.FindLatestPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	asset := domain.TargetAsset{Symbol: "DEGEN", Name: "Degen", ContractAddress: "0x4ed4", Price: decimal.RequireFromString("0.0123")}
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	ok := domain.NewSuccessfulPurchase(p, asset, "0xhash1", base)
	failed := domain.NewFailedPurchase(p, asset, "execution reverted", base.Add(time.Minute))
	require.NoError(t, repo.InsertPurchaseRecord(ctx, ok))
	require.NoError(t, repo.InsertPurchaseRecord(ctx, failed))

	latest, err = repo.FindLatestPurchase(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, failed.ID, latest.ID)
	assert.False(t, latest.Success)
	assert.Equal(t, "execution reverted", *latest.Error)
	assert.True(t, asset.Price.Equal(latest.TokenPrice))

	list, err := repo.ListPurchasesByWallet(ctx, p.WalletAddress, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, failed.ID, list[0].ID)
	assert.Equal(t, "0xhash1", *list[1].TxHash)

	dup := domain.NewSuccessfulPurchase(p, asset, "0xhash1", base.Add(2*time.Minute))
	assert.ErrorIs(t, repo.InsertPurchaseRecord(ctx, dup), ErrDuplicateTxHash)
}

func TestSpendingRepo(t *testing.T) {
	pool := testPool(t)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	repo := NewSpendingRepo(pool, func() time.Time { return now })
	ctx := context.Background()
	wallet := "0x00000000000000000000000000000000000000a1"

	_, err := repo.CheckLimit(ctx, wallet, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrNoSpendingPolicy)

	require.NoError(t, repo.UpsertSpendingPolicy(ctx, domain.SpendingPolicy{
		WalletAddress: wallet,
		LimitUSD:      decimal.NewFromInt(100),
		Period:        24 * time.Hour,
		Active:        true,
	}))

	allowed, err := repo.CheckLimit(ctx, wallet, decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.True(t, allowed)
	require.NoError(t, repo.RecordSpend(ctx, wallet, decimal.NewFromInt(60)))

	allowed, err = repo.CheckLimit(ctx, wallet, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.ErrorIs(t, repo.RecordSpend(ctx, wallet, decimal.NewFromInt(50)), domain.ErrSpendLimitExceeded)

	// Новый период обнуляет траты
	now = now.Add(25 * time.Hour)
	require.NoError(t, repo.RecordSpend(ctx, wallet, decimal.NewFromInt(50)))
	sp, err := repo.Get(ctx, wallet)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(sp.SpentUSD))
	assert.True(t, now.Equal(sp.PeriodStartedAt))
}

func TestAttemptRepo_WriteBatch(t *testing.T) {
	pool := testPool(t)
	repo := NewAttemptRepo(pool)
	ctx := context.Background()

	events := make([]audit.AttemptEvent, 0, 3)
	for i := 0; i < 3; i++ {
		events = append(events, audit.AttemptEvent{
			ID:            uuid.NewString(),
			TraceID:       uuid.NewString(),
			PolicyID:      "p-1",
			WalletAddress: "0x00000000000000000000000000000000000000a1",
			Source:        audit.SourceTick,
			Outcome:       audit.OutcomeSuccess,
			Step:          "persist",
			Timestamp:     time.Now().UTC(),
			DurationMs:    int64(i),
		})
	}
	require.NoError(t, repo.WriteBatch(ctx, events))
	// Повтор того же батча не ломается
	require.NoError(t, repo.WriteBatch(ctx, events))
	require.NoError(t, repo.WriteBatch(ctx, nil))

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM execution_attempts`).Scan(&n))
	assert.Equal(t, 3, n)
}
