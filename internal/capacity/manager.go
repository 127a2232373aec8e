package capacity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

type Minter interface {
	MintCapacityCredential(ctx context.Context, params domain.MintParams) (domain.CredentialInfo, error)
}

type BalanceReader interface {
	GetNativeBalance(ctx context.Context, address, rpcURL string) (decimal.Decimal, error)
}

type Config struct {
	RequestsPerKilosecond          int
	DaysUntilUTCMidnightExpiration int
	EarlyExpiration                time.Duration
	// После неудачного минта столько времени отдаем ту же ошибку, не обращаясь к сети подписи
	FailureBackoff time.Duration
	// Минт оплачивает delegatee-кошелек сервиса
	DelegateeAddress string
	RPCURL           string
	MintCostBalance  decimal.Decimal
}

// Manager держит единственный capacity credential процесса.
// Минт, критическая секция: первый вызывающий минтит, остальные ждут и переиспользуют результат,
// в том числе ошибку.
type Manager struct {
	cfg      Config
	minter   Minter
	balances BalanceReader
	logger   *zap.Logger
	mints    prometheus.Counter
	now      func() time.Time

	mu       sync.RWMutex
	cred     *domain.CapacityCredential
	failErr  error
	failedAt time.Time

	flight singleflight.Group
}

const mintKey = "mint"

// DefaultFailureBackoff меньше интервала тика по умолчанию: следующий тик минтит заново
const DefaultFailureBackoff = 5 * time.Second

type Option func(*Manager)

// WithClock подменяет источник времени (тесты)
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMintCounter — счетчик минтов для Prometheus
func WithMintCounter(c prometheus.Counter) Option {
	return func(m *Manager) { m.mints = c }
}

func NewManager(cfg Config, minter Minter, balances BalanceReader, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.EarlyExpiration <= 0 {
		cfg.EarlyExpiration = domain.DefaultEarlyExpiration
	}
	if cfg.DaysUntilUTCMidnightExpiration < 1 {
		cfg.DaysUntilUTCMidnightExpiration = 1
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = DefaultFailureBackoff
	}

	m := &Manager{
		cfg:      cfg,
		minter:   minter,
		balances: balances,
		logger:   logger.Named("capacity"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrMint возвращает действующий credential, при необходимости минтит новый.
// При нехватке баланса delegatee вернет domain.ErrInsufficientMintBalance (системная ошибка для тика).
func (m *Manager) GetOrMint(ctx context.Context) (domain.CapacityCredential, error) {
	// 1. Быстрый путь: кэш под read-lock
	if c, ok, err := m.cached(); ok {
		return c, err
	}

	// 2. Один минт на всех ожидающих. Сам минт не зависит от отмены ctx первого вызывающего,
	// вызовы сети подписи ограничены ее собственным таймаутом.
	mintCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(mintKey, func() (any, error) {
		// 3. Пока ждали, кто-то мог уже сминтить или упасть
		if c, ok, err := m.cached(); ok {
			return c, err
		}
		return m.mint(mintCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.CapacityCredential{}, res.Err
		}
		return res.Val.(domain.CapacityCredential), nil
	case <-ctx.Done():
		return domain.CapacityCredential{}, fmt.Errorf("capacity: waiting for mint: %w", ctx.Err())
	}
}

// cached: ok=true, если ответ есть без минта (годный credential или свежая ошибка)
func (m *Manager) cached() (domain.CapacityCredential, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	if m.cred != nil && !m.cred.IsExpired(now, m.cfg.EarlyExpiration) {
		return *m.cred, true, nil
	}
	if m.failErr != nil && now.Sub(m.failedAt) < m.cfg.FailureBackoff {
		return domain.CapacityCredential{}, true, m.failErr
	}
	return domain.CapacityCredential{}, false, nil
}

func (m *Manager) mint(ctx context.Context) (domain.CapacityCredential, error) {
	cred, err := m.doMint(ctx)

	m.mu.Lock()
	if err != nil {
		m.failErr, m.failedAt = err, m.now()
	} else {
		m.cred, m.failErr = &cred, nil
	}
	m.mu.Unlock()

	return cred, err
}

func (m *Manager) doMint(ctx context.Context) (domain.CapacityCredential, error) {
	bal, err := m.balances.GetNativeBalance(ctx, m.cfg.DelegateeAddress, m.cfg.RPCURL)
	if err != nil {
		return domain.CapacityCredential{}, fmt.Errorf("capacity: read delegatee balance: %w", err)
	}
	if bal.LessThan(m.cfg.MintCostBalance) {
		m.logger.Error("delegatee wallet cannot pay for capacity credential",
			zap.String("delegatee", m.cfg.DelegateeAddress),
			zap.String("balance", bal.String()),
			zap.String("required", m.cfg.MintCostBalance.String()))
		return domain.CapacityCredential{}, fmt.Errorf("%w: have %s, need %s",
			domain.ErrInsufficientMintBalance, bal, m.cfg.MintCostBalance)
	}

	now := m.now().UTC()
	days := m.daysFor(now)

	info, err := m.minter.MintCapacityCredential(ctx, domain.MintParams{
		RequestsPerKilosecond:          m.cfg.RequestsPerKilosecond,
		DaysUntilUTCMidnightExpiration: days,
	})
	if err != nil {
		return domain.CapacityCredential{}, fmt.Errorf("capacity: mint: %w", err)
	}

	cred := domain.CapacityCredential{
		ID:                             info.ID,
		RequestsPerKilosecond:          info.RequestsPerKilosecond,
		MintedAt:                       now,
		DaysUntilUTCMidnightExpiration: days,
	}

	if m.mints != nil {
		m.mints.Inc()
	}
	m.logger.Info("capacity credential minted",
		zap.String("credential_id", cred.ID),
		zap.Time("expires_at", cred.ExpiresAt()),
		zap.Int("days", days))

	return cred, nil
}

// daysFor: у полуночи UTC кредит на N суток может истечь сразу (с учетом запаса).
// В этом случае минтим на сутки больше.
func (m *Manager) daysFor(now time.Time) int {
	days := m.cfg.DaysUntilUTCMidnightExpiration
	candidate := domain.CapacityCredential{ID: "candidate", MintedAt: now, DaysUntilUTCMidnightExpiration: days}
	if candidate.IsExpired(now, m.cfg.EarlyExpiration) {
		days++
	}
	return days
}

// Current возвращает кэшированный credential (в том числе истекший)
func (m *Manager) Current() (domain.CapacityCredential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return domain.CapacityCredential{}, false
	}
	return *m.cred, true
}

// Invalidate сбрасывает кэш и запомненную ошибку, следующий GetOrMint сминтит заново
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cred, m.failErr = nil, nil
	m.mu.Unlock()
}
