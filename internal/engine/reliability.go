package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// Signer — сеть пороговой подписи (минт кредита, делегированная сессия, экшен).
type Signer interface {
	MintCapacityCredential(ctx context.Context, params domain.MintParams) (domain.CredentialInfo, error)
	CreateDelegatedSession(ctx context.Context, req domain.SessionRequest) (domain.SessionHandle, error)
	SubmitAction(ctx context.Context, session domain.SessionHandle, actionID string, params map[string]any) (domain.ActionResult, error)
}

type GuardConfig struct {
	Name                string
	MaxRequests         uint32        // Пробных запросов в half-open
	Interval            time.Duration // Окно сброса счетчиков в closed
	Timeout             time.Duration // Через сколько open переходит в half-open
	ConsecutiveFailures uint32        // Порог срабатывания
	RateLimit           float64       // Запросов в секунду к сайдкару
	RateBurst           int
	CallTimeout         time.Duration
}

// SignerGuard оборачивает сеть подписи: лимитер, предохранитель и таймаут на вызов.
// Ретраев нет: повтор это следующий тик.
type SignerGuard struct {
	next        Signer
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func NewSignerGuard(next Signer, cfg GuardConfig, state prometheus.Gauge, logger *zap.Logger) *SignerGuard {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	log := logger.Named("signer_guard")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Отмена вызывающим не говорит о здоровье сайдкара
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("signer circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if state != nil {
				state.Set(float64(to))
			}
		},
	})

	return &SignerGuard{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		callTimeout: cfg.CallTimeout,
	}
}

func guarded[T any](ctx context.Context, g *SignerGuard, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("signer rate limit wait: %w", err)
	}

	// 2. Circuit Breaker + таймаут вызова
	res, err := g.cb.Execute(func() (interface{}, error) {
		cctx := ctx
		if g.callTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, g.callTimeout)
			defer cancel()
		}
		return call(cctx)
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

func (g *SignerGuard) MintCapacityCredential(ctx context.Context, params domain.MintParams) (domain.CredentialInfo, error) {
	return guarded(ctx, g, func(ctx context.Context) (domain.CredentialInfo, error) {
		return g.next.MintCapacityCredential(ctx, params)
	})
}

func (g *SignerGuard) CreateDelegatedSession(ctx context.Context, req domain.SessionRequest) (domain.SessionHandle, error) {
	return guarded(ctx, g, func(ctx context.Context) (domain.SessionHandle, error) {
		return g.next.CreateDelegatedSession(ctx, req)
	})
}

func (g *SignerGuard) SubmitAction(ctx context.Context, session domain.SessionHandle, actionID string, params map[string]any) (domain.ActionResult, error) {
	return guarded(ctx, g, func(ctx context.Context) (domain.ActionResult, error) {
		return g.next.SubmitAction(ctx, session, actionID, params)
	})
}

// State — текущее состояние предохранителя
func (g *SignerGuard) State() gobreaker.State {
	return g.cb.State()
}

// IsBreakerOpen — вызов не дошел до сайдкара, потому что предохранитель разомкнут
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
