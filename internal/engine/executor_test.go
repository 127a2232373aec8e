package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

func TestExecute_Success(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")

	rec, err := h.exec.Execute(context.Background(), p)

	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Success)
	assert.Equal(t, "DEGEN", rec.TokenSymbol)
	assert.Equal(t, "0.001", rec.PurchaseAmount)
	assert.Nil(t, rec.Error)
	assert.Equal(t, 1, h.spend.records)

	// Сессия: одна способность, 24 часа
	require.Len(t, h.signer.sessions, 1)
	s := h.signer.sessions[0]
	assert.Equal(t, []string{domain.AbilityActionExecution}, s.Abilities)
	assert.Equal(t, t0.Add(24*time.Hour), s.Expiration)
	assert.Equal(t, "cap-1", s.CredentialID)
}

func TestExecute_NonSuccessStatusWritesFailedRecord(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.signer.submitFn = func(string) (domain.ActionResult, error) {
		return domain.ActionResult{Status: "error", Error: "execution reverted: STF"}, nil
	}

	rec, err := h.exec.Execute(context.Background(), p)

	var eErr *ExecutionError
	require.ErrorAs(t, err, &eErr)
	assert.Equal(t, KindTrade, eErr.Kind)
	assert.Equal(t, StepInterpret, eErr.Step)

	recs := h.store.recordsFor(walletA)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
	assert.False(t, recs[0].Success)
	assert.Nil(t, recs[0].TxHash)
	require.NotNil(t, recs[0].Error)
	assert.Equal(t, "execution reverted: STF", *recs[0].Error)
}

func TestExecute_SuccessStatusWithoutHashIsFailure(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.signer.submitFn = func(string) (domain.ActionResult, error) {
		return domain.ActionResult{Status: domain.ActionStatusSuccess}, nil
	}

	_, err := h.exec.Execute(context.Background(), p)
	require.Error(t, err)

	recs := h.store.recordsFor(walletA)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.NotEmpty(t, *recs[0].Error)
}

func TestExecute_SubmitErrorWritesFailedRecord(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.signer.submitFn = func(string) (domain.ActionResult, error) {
		return domain.ActionResult{}, context.DeadlineExceeded
	}

	_, err := h.exec.Execute(context.Background(), p)

	assert.Equal(t, StepSubmit, StepOf(err))
	recs := h.store.recordsFor(walletA)
	require.Len(t, recs, 1)
	assert.Contains(t, *recs[0].Error, "swap submission")
}

func TestExecute_SpendLimitRejection(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.spend.allow = false

	_, err := h.exec.Execute(context.Background(), p)

	var eErr *ExecutionError
	require.ErrorAs(t, err, &eErr)
	assert.Equal(t, KindSpendLimit, eErr.Kind)
	assert.ErrorIs(t, err, domain.ErrSpendLimitExceeded)

	recs := h.store.recordsFor(walletA)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Contains(t, *recs[0].Error, "spend limit exceeded")
	assert.Equal(t, 0, h.spend.records, "recordSpend must not be called on rejection")
	assert.Equal(t, 0, h.signer.submitCount())
}

func TestExecute_NoSpendingPolicyFailsClosed(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.spend.missing = true

	_, err := h.exec.Execute(context.Background(), p)

	assert.ErrorIs(t, err, domain.ErrNoSpendingPolicy)
	recs := h.store.recordsFor(walletA)
	require.Len(t, recs, 1)
	assert.Equal(t, "no active spending policy for wallet", *recs[0].Error)
	assert.Equal(t, 0, h.signer.submitCount())
}

func TestExecute_PreconditionsWriteNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		step  string
	}{
		{"trending unavailable", func(h *harness) { h.assets.err = errBoom }, StepResolveAsset},
		{"price not found", func(h *harness) { h.prices.err = domain.ErrPriceNotFound }, StepPrice},
		{"empty wallet", func(h *harness) { h.balances.Set(walletA, "0") }, StepUserBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.addPolicy("p1", walletA, "0.001", 10, "1")
			tt.setup(h)

			rec, err := h.exec.Execute(context.Background(), p)

			assert.Nil(t, rec)
			assert.True(t, IsPrecondition(err))
			assert.Equal(t, tt.step, StepOf(err))
			assert.Equal(t, 0, h.store.count())
			assert.EqualValues(t, 0, h.creds.calls)
		})
	}
}

func TestExecute_SessionFailureWritesFailedRecord(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.signer.sessionErr = errors.New("session quota exhausted")

	_, err := h.exec.Execute(context.Background(), p)

	assert.Equal(t, StepSession, StepOf(err))
	assert.False(t, IsSystemic(err))
	require.Len(t, h.store.recordsFor(walletA), 1)
	assert.Equal(t, 0, h.spend.checks)
}

func TestExecute_OpenBreakerIsSystemic(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.signer.sessionErr = gobreaker.ErrOpenState

	rec, err := h.exec.Execute(context.Background(), p)

	assert.Nil(t, rec)
	assert.True(t, IsSystemic(err))
	assert.Equal(t, 0, h.store.count())
}

func TestExecute_PersistFailure(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	h.store.insertErr = errors.New("duplicate key value violates unique constraint")

	rec, err := h.exec.Execute(context.Background(), p)

	require.NotNil(t, rec)
	assert.True(t, rec.Success)
	assert.Equal(t, StepPersist, StepOf(err))
	assert.Equal(t, "persist_error", Outcome(rec, err))
}

func TestExecute_PersistSurvivesCanceledContext(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")
	ctx, cancel := context.WithCancel(context.Background())
	h.signer.submitFn = func(string) (domain.ActionResult, error) {
		cancel()
		return domain.ActionResult{Status: domain.ActionStatusSuccess, TxHash: "0xlate"}, nil
	}

	_, err := h.exec.Execute(ctx, p)

	require.NoError(t, err)
	assert.Len(t, h.store.recordsFor(walletA), 1)
}

func TestSimulate_NoSignerNoWrites(t *testing.T) {
	h := newHarness(t)
	h.addPolicy("p1", walletA, "0.001", 10, "0.001")

	q, err := h.exec.Simulate(context.Background(), walletA, decimal.RequireFromString("0.001"))

	require.NoError(t, err)
	assert.Equal(t, "3", q.USDValue.String())
	assert.Equal(t, "0.0011", q.RequiredBalance.String())
	assert.False(t, q.UserSufficient)
	assert.True(t, q.DelegateeSufficient)
	assert.Equal(t, 0, h.signer.submitCount())
	assert.Empty(t, h.signer.sessions)
	assert.EqualValues(t, 0, h.creds.calls)
	assert.Equal(t, 0, h.spend.checks)
	assert.Equal(t, 0, h.store.count())
}

func TestSignerGuard_TripsAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeSigner{sessionErr: errBoom}
	g := NewSignerGuard(inner, GuardConfig{
		Name:                "signer",
		ConsecutiveFailures: 2,
		Timeout:             time.Minute,
		RateLimit:           1000,
		RateBurst:           10,
		CallTimeout:         time.Second,
	}, nil, zap.NewNop())
	ctx := context.Background()

	_, err := g.CreateDelegatedSession(ctx, domain.SessionRequest{})
	assert.ErrorIs(t, err, errBoom)
	_, err = g.CreateDelegatedSession(ctx, domain.SessionRequest{})
	assert.ErrorIs(t, err, errBoom)

	_, err = g.CreateDelegatedSession(ctx, domain.SessionRequest{})
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, gobreaker.StateOpen, g.State())
}

func TestSignerGuard_PassesResults(t *testing.T) {
	g := NewSignerGuard(&fakeSigner{}, GuardConfig{Name: "signer"}, nil, zap.NewNop())

	info, err := g.MintCapacityCredential(context.Background(), domain.MintParams{RequestsPerKilosecond: 5})
	require.NoError(t, err)
	assert.Equal(t, "cap-1", info.ID)

	res, err := g.SubmitAction(context.Background(), domain.SessionHandle{ID: "s"}, "swap", map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestExecute_StoppedTickSkipsSigningNetwork(t *testing.T) {
	h := newHarness(t)
	p := h.addPolicy("p1", walletA, "0.001", 10, "1")

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := h.exec.Execute(withTickAbort(context.Background(), stopped), p)

	assert.Nil(t, rec)
	assert.True(t, IsPrecondition(err))
	assert.ErrorIs(t, err, ErrTickAborted)
	assert.Equal(t, StepCredential, StepOf(err))
	assert.EqualValues(t, 0, h.creds.calls)
	assert.Equal(t, 0, h.store.count())
}
