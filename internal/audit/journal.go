package audit

/*
Journal — журнал попыток исполнения DCA-политик.

- Неблокирующая запись: события идут через буферизованный канал, горячий путь
  планировщика не ждет базу. При переполнении событие сбрасывается (load shedding) в лог.
- Пакетная запись: по таймеру или при накоплении batchSize событий.
- Drain: Stop закрывает вход и ждет, пока воркер допишет остатки.
- Сбой записи пачки повторяется с экспоненциальной задержкой (retry-go).
*/

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const batchSize = 100

// Storage — куда физически пишутся события
type Storage interface {
	WriteBatch(ctx context.Context, events []AttemptEvent) error
}

type Recorder interface {
	Record(event AttemptEvent)
}

type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushAttempts uint
	FlushTimeout  time.Duration
}

type Journal struct {
	cfg    Config
	ch     chan AttemptEvent
	repo   Storage
	logger *zap.Logger
	fill   prometheus.Gauge
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewJournal(cfg Config, repo Storage, logger *zap.Logger, fill prometheus.Gauge) *Journal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.FlushAttempts == 0 {
		cfg.FlushAttempts = 3
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	return &Journal{
		cfg:    cfg,
		ch:     make(chan AttemptEvent, cfg.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "journal")),
		fill:   fill,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет финального flush
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Record(event AttemptEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		j.logger.Warn("attempt event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case j.ch <- event:
		if j.fill != nil {
			j.fill.Set(float64(len(j.ch)))
		}
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("wallet", event.WalletAddress),
			zap.String("outcome", event.Outcome),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]AttemptEvent, 0, batchSize)
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.write(batch); err != nil {
			j.logger.Error("journal flush failed, batch dropped", zap.Int("size", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if j.fill != nil {
			j.fill.Set(float64(len(j.ch)))
		}
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write не зависит от контекста вызывающих: на остановке он уже отменен
func (j *Journal) write(batch []AttemptEvent) error {
	r := retry.New(
		retry.Context(context.Background()),
		retry.Attempts(j.cfg.FlushAttempts),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)

	attempt := 0
	return r.Do(func() error {
		attempt++
		if attempt > 1 {
			j.logger.Warn("journal flush retry", zap.Int("attempt", attempt), zap.Int("size", len(batch)))
		}
		ctx, cancel := context.WithTimeout(context.Background(), j.cfg.FlushTimeout)
		defer cancel()
		return j.repo.WriteBatch(ctx, batch)
	})
}
