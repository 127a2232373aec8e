package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/audit"
	"github.com/xela07ax/dca-autopilot/internal/domain"
	"github.com/xela07ax/dca-autopilot/internal/policy"
)

const (
	walletA   = "0x00000000000000000000000000000000000000a1"
	walletB   = "0x00000000000000000000000000000000000000b2"
	walletC   = "0x00000000000000000000000000000000000000c3"
	delegatee = "0x00000000000000000000000000000000000000dd"
)

var t0 = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// memStore — политики и покупки в памяти
type memStore struct {
	mu        sync.Mutex
	policies  []domain.Policy
	records   []domain.PurchaseRecord
	insertErr error
}

func (s *memStore) FindActivePolicies(context.Context) ([]domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Policy
	for _, p := range s.policies {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) FindLatestPurchase(_ context.Context, policyID string) (*domain.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.PurchaseRecord
	for i := range s.records {
		r := s.records[i]
		if r.PolicyID == policyID && (latest == nil || r.ExecutedAt.After(latest.ExecutedAt)) {
			latest = &r
		}
	}
	return latest, nil
}

func (s *memStore) FindPolicyByWallet(_ context.Context, wallet string) (*domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.WalletAddress == wallet {
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) InsertPurchaseRecord(_ context.Context, rec domain.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) ListPurchasesByWallet(_ context.Context, wallet string, limit int) ([]domain.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PurchaseRecord
	for _, r := range s.records {
		if r.WalletAddress == wallet {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) recordsFor(wallet string) []domain.PurchaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PurchaseRecord
	for _, r := range s.records {
		if r.WalletAddress == wallet {
			out = append(out, r)
		}
	}
	return out
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeAssets struct {
	calls int32
	err   error
}

func (f *fakeAssets) GetTargetAsset(context.Context) (domain.TargetAsset, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return domain.TargetAsset{}, f.err
	}
	return domain.TargetAsset{
		Symbol:          "DEGEN",
		Name:            "Degen",
		ContractAddress: "0x4ed4e862860bed51a9570b96d89af5e1b0efefed",
		Price:           decimal.RequireFromString("0.0123"),
	}, nil
}

type fakePrices struct {
	price decimal.Decimal
	err   error
}

func (f *fakePrices) GetUSDPrice(context.Context, string, string) (decimal.Decimal, error) {
	return f.price, f.err
}

type fakeBalances struct {
	mu  sync.Mutex
	bal map[string]decimal.Decimal
}

func (f *fakeBalances) GetNativeBalance(_ context.Context, address, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bal[address], nil
}

func (f *fakeBalances) Set(address, v string) {
	f.mu.Lock()
	f.bal[address] = decimal.RequireFromString(v)
	f.mu.Unlock()
}

type fakeCreds struct {
	calls int32
	err   error
}

func (f *fakeCreds) GetOrMint(context.Context) (domain.CapacityCredential, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return domain.CapacityCredential{}, f.err
	}
	return domain.CapacityCredential{ID: "cap-1", RequestsPerKilosecond: 80, MintedAt: t0, DaysUntilUTCMidnightExpiration: 1}, nil
}

// fakeSigner — сеть подписи. Поведение submit настраивается по кошельку.
type fakeSigner struct {
	mu         sync.Mutex
	mints      int
	sessions   []domain.SessionRequest
	submits    int
	seq        int
	sessionErr error
	mintErr    error
	submitFn   func(wallet string) (domain.ActionResult, error)
}

func (f *fakeSigner) MintCapacityCredential(_ context.Context, p domain.MintParams) (domain.CredentialInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints++
	if f.mintErr != nil {
		return domain.CredentialInfo{}, f.mintErr
	}
	return domain.CredentialInfo{ID: fmt.Sprintf("cap-%d", f.mints), RequestsPerKilosecond: p.RequestsPerKilosecond}, nil
}

func (f *fakeSigner) CreateDelegatedSession(_ context.Context, req domain.SessionRequest) (domain.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return domain.SessionHandle{}, f.sessionErr
	}
	f.sessions = append(f.sessions, req)
	return domain.SessionHandle{ID: "sess-" + req.WalletAddress, ExpiresAt: req.Expiration}, nil
}

func (f *fakeSigner) SubmitAction(_ context.Context, s domain.SessionHandle, _ string, params map[string]any) (domain.ActionResult, error) {
	f.mu.Lock()
	f.submits++
	f.seq++
	n := f.seq
	fn := f.submitFn
	f.mu.Unlock()

	wallet, _ := params["walletAddress"].(string)
	if fn != nil {
		return fn(wallet)
	}
	return domain.ActionResult{Status: domain.ActionStatusSuccess, TxHash: fmt.Sprintf("0xhash%d", n)}, nil
}

func (f *fakeSigner) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// spendStore — хранилище лимитов: считает вызовы RecordSpend
type spendStore struct {
	mu      sync.Mutex
	allow   bool
	missing bool
	checks  int
	records int
}

func (s *spendStore) CheckLimit(context.Context, string, decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	if s.missing {
		return false, domain.ErrNoSpendingPolicy
	}
	return s.allow, nil
}

func (s *spendStore) RecordSpend(context.Context, string, decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records++
	return nil
}

type memJournal struct {
	mu     sync.Mutex
	events []audit.AttemptEvent
}

func (j *memJournal) Record(e audit.AttemptEvent) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

func (j *memJournal) outcomes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.Outcome)
	}
	return out
}

// harness — движок на фейках, по умолчанию все здорово
type harness struct {
	clock    *fakeClock
	store    *memStore
	assets   *fakeAssets
	prices   *fakePrices
	balances *fakeBalances
	creds    *fakeCreds
	signer   *fakeSigner
	spend    *spendStore
	journal  *memJournal
	inflight *InFlight
	pauses   *KillSwitchManager
	exec     *SwapExecutor
	sched    *Scheduler
	trigger  *Trigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{t: t0},
		store:    &memStore{},
		assets:   &fakeAssets{},
		prices:   &fakePrices{price: decimal.NewFromInt(3000)},
		balances: &fakeBalances{bal: map[string]decimal.Decimal{}},
		creds:    &fakeCreds{},
		signer:   &fakeSigner{},
		spend:    &spendStore{allow: true},
		journal:  &memJournal{},
		inflight: NewInFlight(),
		pauses:   NewKillSwitchManager(nil, zap.NewNop()),
	}
	h.balances.Set(delegatee, "1")

	h.buildExecutor(h.creds)
	return h
}

func (h *harness) buildExecutor(creds CredentialSource) {
	logger := zap.NewNop()
	h.exec = NewSwapExecutor(ExecutorConfig{
		ChainName:           "base",
		ChainID:             8453,
		RPCURL:              "http://rpc",
		NativePriceAddress:  "0x4200000000000000000000000000000000000006",
		GasBufferPct:        decimal.RequireFromString("0.10"),
		DelegateeAddress:    delegatee,
		DelegateeMinBalance: decimal.RequireFromString("0.01"),
		SessionTTL:          24 * time.Hour,
		ActionID:            "swap-v1",
		PersistTimeout:      time.Second,
	}, Deps{
		Assets:      h.assets,
		Prices:      h.prices,
		Balances:    h.balances,
		Credentials: creds,
		Signer:      h.signer,
		Spend:       policy.NewGate(h.spend, 18, logger),
		Purchases:   h.store,
	}, logger, h.clock.Now)

	h.sched = NewScheduler(SchedulerConfig{TickInterval: 10 * time.Second, Concurrency: 1, ExecTimeout: 5 * time.Second},
		h.store, h.exec, h.inflight, h.pauses, h.journal, nil, logger, h.clock.Now)
	h.trigger = NewTrigger(h.store, h.store, h.exec, h.exec, h.inflight, h.pauses, h.journal, nil, logger, 5*time.Second)
}

func (h *harness) withConcurrency(n int) {
	h.sched = NewScheduler(SchedulerConfig{TickInterval: 10 * time.Second, Concurrency: n, ExecTimeout: 5 * time.Second},
		h.store, h.exec, h.inflight, h.pauses, h.journal, nil, zap.NewNop(), h.clock.Now)
}

func (h *harness) addPolicy(id, wallet, amount string, intervalSec int64, balance string) domain.Policy {
	p := domain.Policy{
		ID:              id,
		WalletAddress:   wallet,
		IntervalSeconds: intervalSec,
		PurchaseAmount:  amount,
		Active:          true,
		RegisteredAt:    t0,
	}
	h.store.mu.Lock()
	h.store.policies = append(h.store.policies, p)
	h.store.mu.Unlock()
	h.balances.Set(wallet, balance)
	return p
}

var errBoom = errors.New("boom")
