package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/xela07ax/dca-autopilot/internal/api"
	"github.com/xela07ax/dca-autopilot/internal/audit"
	"github.com/xela07ax/dca-autopilot/internal/capacity"
	"github.com/xela07ax/dca-autopilot/internal/connectors"
	"github.com/xela07ax/dca-autopilot/internal/engine"
	"github.com/xela07ax/dca-autopilot/internal/infra"
	"github.com/xela07ax/dca-autopilot/internal/infra/auth"
	"github.com/xela07ax/dca-autopilot/internal/policy"
	"github.com/xela07ax/dca-autopilot/internal/repository/postgres"
)

// store склеивает репозитории политик и покупок под интерфейсы движка
type store struct {
	*postgres.PolicyRepo
	*postgres.PurchaseRepo
}

// App — собранный граф зависимостей движка
type App struct {
	cfg    *infra.Config
	logger *zap.Logger

	pool       *pgxpool.Pool
	rdb        *redis.Client
	signerConn *grpc.ClientConn
	chain      *connectors.ChainReader
	registry   *prometheus.Registry

	Metrics     *engine.Metrics
	Journal     *audit.Journal
	KillSwitch  *engine.KillSwitchManager
	Credentials *capacity.Manager
	Executor    *engine.SwapExecutor
	Scheduler   *engine.Scheduler
	Trigger     *engine.Trigger
	Policies    *postgres.PolicyRepo
	Spending    *postgres.SpendingRepo
}

// New поднимает соединения и собирает движок. Фоновые процессы не стартуют до Serve.
func New(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// 1. Postgres: на старте база может еще подниматься, поэтому ретраим
	pool, err := connectDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	if cfg.Database.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
	}

	// 2. Redis для kill-switch
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 3. Метрики на собственном реестре
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = engine.NewMetrics(a.registry)

	// 4. Внешние сервисы
	a.chain = connectors.NewChainReader(cfg.Chain.Timeout)
	oracle := connectors.NewPriceOracle(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.Timeout)
	trending := connectors.NewTrendingResolver(cfg.Trending.URL, cfg.Trending.Timeout)

	a.signerConn, err = connectors.DialSigner(cfg.Signer.Addr, cfg.Signer.AuthToken)
	if err != nil {
		a.Close()
		return nil, err
	}
	signer := engine.NewSignerGuard(connectors.NewSignerClient(a.signerConn, cfg.Signer.Timeout), engine.GuardConfig{
		Name:                "signer",
		MaxRequests:         cfg.Signer.CBMaxRequests,
		Interval:            cfg.Signer.CBInterval,
		Timeout:             cfg.Signer.CBTimeout,
		ConsecutiveFailures: cfg.Signer.CBFailures,
		RateLimit:           cfg.Signer.RateLimit,
		RateBurst:           cfg.Signer.RateBurst,
		CallTimeout:         cfg.Signer.Timeout,
	}, a.Metrics.SignerBreakerState, logger)

	// 5. Хранилища
	st := store{PolicyRepo: postgres.NewPolicyRepo(pool), PurchaseRepo: postgres.NewPurchaseRepo(pool)}
	a.Policies = st.PolicyRepo
	a.Spending = postgres.NewSpendingRepo(pool, nil)

	a.Journal = audit.NewJournal(audit.Config{
		BufferSize:    cfg.Engine.JournalBufferSize,
		FlushInterval: cfg.Engine.JournalFlushInterval,
	}, postgres.NewAttemptRepo(pool), logger, a.Metrics.JournalBufferFill)

	// 6. Ядро
	a.Credentials = capacity.NewManager(capacity.Config{
		RequestsPerKilosecond:          cfg.Capacity.RequestsPerKilosecond,
		DaysUntilUTCMidnightExpiration: cfg.Capacity.DaysUntilUTCMidnightExpiration,
		EarlyExpiration:                cfg.Capacity.EarlyExpiration,
		DelegateeAddress:               cfg.Engine.DelegateeAddress,
		RPCURL:                         cfg.Chain.RPCURL,
		MintCostBalance:                decimal.RequireFromString(cfg.Capacity.MintCostBalance),
	}, signer, a.chain, logger, capacity.WithMintCounter(a.Metrics.CredentialMints))

	a.Executor = engine.NewSwapExecutor(engine.ExecutorConfig{
		ChainName:           cfg.Chain.Name,
		ChainID:             cfg.Chain.ID,
		RPCURL:              cfg.Chain.RPCURL,
		NativePriceAddress:  cfg.Chain.NativePriceAddress,
		GasBufferPct:        decimal.RequireFromString(cfg.Engine.GasBufferPct),
		DelegateeAddress:    cfg.Engine.DelegateeAddress,
		DelegateeMinBalance: decimal.RequireFromString(cfg.Engine.DelegateeMinBalance),
		SessionTTL:          cfg.Signer.SessionTTL,
		ActionID:            cfg.Signer.ActionID,
		PersistTimeout:      cfg.Engine.PersistTimeout,
	}, engine.Deps{
		Assets:      trending,
		Prices:      oracle,
		Balances:    a.chain,
		Credentials: a.Credentials,
		Signer:      signer,
		Spend:       policy.NewGate(a.Spending, cfg.Spend.Precision, logger),
		Purchases:   st,
	}, logger, nil)

	a.KillSwitch = engine.NewKillSwitchManager(a.rdb, logger)
	inflight := engine.NewInFlight()

	a.Scheduler = engine.NewScheduler(engine.SchedulerConfig{
		TickInterval: cfg.Engine.TickInterval,
		Concurrency:  cfg.Engine.Concurrency,
		ExecTimeout:  cfg.Engine.ExecTimeout,
	}, st, a.Executor, inflight, a.KillSwitch, a.Journal, a.Metrics, logger, nil)

	a.Trigger = engine.NewTrigger(st, st, a.Executor, a.Executor, inflight, a.KillSwitch,
		a.Journal, a.Metrics, logger, cfg.Engine.ExecTimeout)

	return a, nil
}

// Serve крутит тик-луп, операторский API и метрики до отмены ctx
func (a *App) Serve(ctx context.Context) error {
	pubKey, err := auth.ParseRSAPublicKey(a.cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// 1. Состояние kill-switch, до первого тика
	if err := a.KillSwitch.Init(ctx); err != nil {
		return err
	}
	a.Journal.Start()
	defer a.Journal.Stop()

	apiSrv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler: api.NewServer(auth.NewRSAValidator(pubKey),
			api.NewWalletHandler(a.Trigger, a.KillSwitch, a.logger), a.logger),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: a.cfg.Server.MetricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.KillSwitch.Listen(gctx)
		return nil
	})
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("operator api started", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	// 2. Graceful shutdown: даем 5 секунд на завершение запросов
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// Close освобождает соединения. Безопасен для частично собранного App.
func (a *App) Close() {
	if a.signerConn != nil {
		_ = a.signerConn.Close()
	}
	if a.chain != nil {
		a.chain.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func connectDB(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	attempt := 0
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	).Do(func() error {
		attempt++
		p, err := postgres.Open(ctx, postgres.PoolConfig{URL: cfg.URL, MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			logger.Warn("database not ready", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}
