package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/domain"
	"github.com/xela07ax/dca-autopilot/internal/infra"
)

// KillSwitchManager — операторская пауза исполнений по кошельку и глобальная остановка ("*").
// Источник правды, Redis set, локальная копия обновляется через Pub/Sub.
type KillSwitchManager struct {
	mu     sync.RWMutex
	paused map[string]struct{}

	rdb    redis.UniversalClient
	logger *zap.Logger
}

func NewKillSwitchManager(rdb redis.UniversalClient, logger *zap.Logger) *KillSwitchManager {
	return &KillSwitchManager{
		paused: make(map[string]struct{}),
		rdb:    rdb,
		logger: logger.Named("killswitch"),
	}
}

// Init загружает текущее состояние пауз при старте и при каждом переподключении
func (m *KillSwitchManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	wallets, err := m.rdb.SMembers(ctx, infra.RedisKeyPausedWallets).Result()
	if err != nil {
		return fmt.Errorf("killswitch: load paused set: %w", err)
	}
	m.replace(wallets)
	m.logger.Info("kill switch state loaded", zap.Int("paused", len(wallets)))
	return nil
}

// Listen держит подписку на сигналы оператора, пока жив ctx
func (m *KillSwitchManager) Listen(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanKillSwitch,
		func() error { return m.Init(ctx) },
		m.Apply,
	)
}

// Pause ставит кошелек на паузу для всех инстансов
func (m *KillSwitchManager) Pause(ctx context.Context, wallet string) error {
	return m.publish(ctx, wallet, true)
}

func (m *KillSwitchManager) Resume(ctx context.Context, wallet string) error {
	return m.publish(ctx, wallet, false)
}

func (m *KillSwitchManager) publish(ctx context.Context, wallet string, paused bool) error {
	if wallet != infra.GlobalHaltID {
		w, err := domain.NormalizeWallet(wallet)
		if err != nil {
			return err
		}
		wallet = w
	}
	// Локально применяем сразу, не дожидаясь эха из Pub/Sub
	m.Apply(wallet, paused)
	if m.rdb == nil {
		return nil
	}

	pipe := m.rdb.TxPipeline()
	if paused {
		pipe.SAdd(ctx, infra.RedisKeyPausedWallets, wallet)
	} else {
		pipe.SRem(ctx, infra.RedisKeyPausedWallets, wallet)
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, FormatSignal(wallet, paused))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("killswitch: publish %s: %w", wallet, err)
	}
	return nil
}

// Apply — обработка одного сигнала
func (m *KillSwitchManager) Apply(wallet string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if paused {
		m.paused[wallet] = struct{}{}
	} else {
		delete(m.paused, wallet)
	}
	m.logger.Info("kill switch signal applied", zap.String("wallet", wallet), zap.Bool("paused", paused))
}

func (m *KillSwitchManager) replace(wallets []string) {
	next := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		next[w] = struct{}{}
	}
	m.mu.Lock()
	m.paused = next
	m.mu.Unlock()
}

// IsPaused учитывает глобальную остановку
func (m *KillSwitchManager) IsPaused(wallet string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, halted := m.paused[infra.GlobalHaltID]; halted {
		return true
	}
	_, ok := m.paused[wallet]
	return ok
}

func (m *KillSwitchManager) IsHalted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, halted := m.paused[infra.GlobalHaltID]
	return halted
}

// FormatSignal — "wallet:on" ставит паузу, "wallet:off" снимает
func FormatSignal(wallet string, paused bool) string {
	if paused {
		return wallet + ":on"
	}
	return wallet + ":off"
}

// ParseSignal разбирает "id:status"
func ParseSignal(payload string) (id string, status bool, err error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 2 || parts[0] == "" {
		return "", false, fmt.Errorf("invalid signal format %q", payload)
	}
	s := strings.ToLower(parts[1])
	return parts[0], s == "true" || s == "on", nil
}

// ListenStateResilient — «живучая» подписка на сигналы Redis.
// На каждом успешном коннекте вызывает onReconnect (синхронизация пропущенного).
func ListenStateResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id string, status bool),
) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				id, status, err := ParseSignal(msg.Payload)
				if err != nil {
					logger.Error("invalid signal", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				onMessage(id, status)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
