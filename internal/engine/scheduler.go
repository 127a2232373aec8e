package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/dca-autopilot/internal/audit"
	"github.com/xela07ax/dca-autopilot/internal/domain"
)

type PolicyStore interface {
	FindActivePolicies(ctx context.Context) ([]domain.Policy, error)
	// FindLatestPurchase возвращает nil без ошибки, если покупок еще не было
	FindLatestPurchase(ctx context.Context, policyID string) (*domain.PurchaseRecord, error)
}

type PauseChecker interface {
	IsPaused(wallet string) bool
	IsHalted() bool
}

type SchedulerConfig struct {
	TickInterval time.Duration
	Concurrency  int // 1 = последовательно
	ExecTimeout  time.Duration
}

// TickReport — итог одного тика
type TickReport struct {
	TraceID   string        `json:"trace_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Halted    bool          `json:"halted"`
	Active    int           `json:"active"`
	Due       int           `json:"due"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Aborted   int           `json:"aborted"`
	Skipped   int           `json:"skipped"`
	// Системный сбой, остановивший тик
	Systemic error `json:"-"`
	Err      error `json:"-"`
}

// Scheduler — тик-луп DCA: раз в TickInterval перечитывает активные политики и исполняет созревшие.
type Scheduler struct {
	cfg      SchedulerConfig
	store    PolicyStore
	runner   *runner
	inflight *InFlight
	pauses   PauseChecker
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewScheduler(cfg SchedulerConfig, store PolicyStore, exec Executor, inflight *InFlight, pauses PauseChecker,
	journal audit.Recorder, metrics *Metrics, logger *zap.Logger, now func() time.Time) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	log := logger.Named("scheduler")
	return &Scheduler{
		cfg:   cfg,
		store: store,
		runner: &runner{
			exec:    exec,
			journal: journal,
			metrics: metrics,
			logger:  log,
			timeout: cfg.ExecTimeout,
		},
		inflight: inflight,
		pauses:   pauses,
		metrics:  metrics,
		logger:   log,
		now:      now,
	}
}

// Run крутит тики до отмены ctx. Первый тик, сразу.
// Тики не реентерабельны: следующий стартует только после завершения текущего,
// опоздавшие тики схлопываются (time.Ticker держит один слот).
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("concurrency", s.cfg.Concurrency))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick — одна итерация. Ошибки и паники отдельной политики не выходят за ее пределы,
// системный сбой останавливает запуск оставшихся политик.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	traceID := uuid.New().String()
	ctx = WithTraceID(ctx, traceID)
	start := time.Now()

	report := TickReport{TraceID: traceID, StartedAt: s.now().UTC()}
	log := s.logger.With(zap.String("trace_id", traceID))

	defer func() {
		report.Duration = time.Since(start)
		s.metrics.TickDuration.Observe(report.Duration.Seconds())
	}()

	// 0. Глобальная остановка оператором
	if s.pauses != nil && s.pauses.IsHalted() {
		log.Warn("tick skipped: global halt is active")
		report.Halted = true
		return report
	}

	// 1. Политики читаем заново на каждом тике: active могут переключить снаружи
	policies, err := s.store.FindActivePolicies(ctx)
	if err != nil {
		log.Error("failed to load active policies", zap.Error(err))
		report.Err = err
		return report
	}
	report.Active = len(policies)

	var mu sync.Mutex
	count := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case audit.OutcomeSuccess:
			report.Succeeded++
		case audit.OutcomeFailed, audit.OutcomePersistError:
			report.Failed++
		default:
			report.Aborted++
		}
	}

	// 2. Fan-out с ограничением параллелизма. Системная ошибка отменяет gctx:
	// новые политики не стартуют, запущенные не доходят до сети подписи,
	// а уже начатые сделки доживают на ctx тика.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, p := range policies {
		if gctx.Err() != nil {
			break
		}
		if !p.Active {
			continue
		}

		due, err := s.isDue(ctx, p)
		if err != nil {
			log.Warn("due check failed, policy skipped", zap.String("policy_id", p.ID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		if s.pauses != nil && s.pauses.IsPaused(p.WalletAddress) {
			s.skip(&mu, &report, "paused")
			continue
		}

		mu.Lock()
		report.Due++
		mu.Unlock()
		s.metrics.PoliciesDue.Inc()

		if !s.inflight.TryAcquire(p.WalletAddress) {
			log.Info("policy skipped: wallet execution in flight", zap.String("wallet", p.WalletAddress))
			s.skip(&mu, &report, "in_flight")
			continue
		}

		g.Go(func() error {
			defer s.inflight.Release(p.WalletAddress)

			// Слот мог освободиться уже после системного сбоя
			if gctx.Err() != nil {
				s.skip(&mu, &report, "aborted")
				return nil
			}

			rec, err := s.runner.run(withTickAbort(ctx, gctx), p, audit.SourceTick)
			count(Outcome(rec, err))
			if IsSystemic(err) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		report.Systemic = err
		log.Error("tick aborted by systemic failure", zap.Error(err))
	}

	log.Debug("tick finished",
		zap.Int("active", report.Active),
		zap.Int("due", report.Due),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("aborted", report.Aborted),
		zap.Int("skipped", report.Skipped))
	return report
}

func (s *Scheduler) skip(mu *sync.Mutex, report *TickReport, reason string) {
	mu.Lock()
	report.Skipped++
	mu.Unlock()
	s.metrics.Skipped.WithLabelValues(reason).Inc()
}

// isDue: отсчет от последней записи, а без истории, от регистрации
func (s *Scheduler) isDue(ctx context.Context, p domain.Policy) (bool, error) {
	last, err := s.store.FindLatestPurchase(ctx, p.ID)
	if err != nil {
		return false, err
	}
	var lastAt *time.Time
	if last != nil {
		lastAt = &last.ExecutedAt
	}
	return p.IsDue(s.now(), lastAt), nil
}

type tickAbortKey struct{}

// withTickAbort прикрепляет сигнал остановки тика, не отменяя сам ctx попытки
func withTickAbort(ctx, abort context.Context) context.Context {
	return context.WithValue(ctx, tickAbortKey{}, abort)
}

func tickAborted(ctx context.Context) error {
	if abort, ok := ctx.Value(tickAbortKey{}).(context.Context); ok && abort.Err() != nil {
		return ErrTickAborted
	}
	return nil
}
