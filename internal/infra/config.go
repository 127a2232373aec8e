package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации движка автопокупок.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Trending  TrendingConfig  `mapstructure:"trending"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Capacity  CapacityConfig  `mapstructure:"capacity"`
	Spend     SpendConfig     `mapstructure:"spend"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает операторский HTTP API и листенер метрик.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (kill-switch: Set + Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к RSA ключу для проверки операторских JWT.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — настройки тик-лупа и пайплайна свопа.
type EngineConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	Concurrency    int           `mapstructure:"concurrency"` // 1 = последовательно
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	GasBufferPct   string        `mapstructure:"gas_buffer_pct"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`

	DelegateeAddress    string `mapstructure:"delegatee_address"`
	DelegateeMinBalance string `mapstructure:"delegatee_min_balance"`

	JournalBufferSize    int           `mapstructure:"journal_buffer_size"`
	JournalFlushInterval time.Duration `mapstructure:"journal_flush_interval"`
}

// ChainConfig — сеть, в которой исполняются свопы.
type ChainConfig struct {
	Name    string        `mapstructure:"name"` // "base", "eth", как их понимает ценовой оракул
	ID      int64         `mapstructure:"id"`
	RPCURL  string        `mapstructure:"rpc_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Адрес обернутого нативного актива (WETH) для котировки в USD
	NativePriceAddress string `mapstructure:"native_price_address"`
}

type OracleConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TrendingConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SignerConfig — gRPC-сайдкар сети пороговой подписи.
type SignerConfig struct {
	Addr       string        `mapstructure:"addr"`
	AuthToken  string        `mapstructure:"auth_token"` // SIGNER_AUTH_TOKEN
	Timeout    time.Duration `mapstructure:"timeout"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	ActionID   string        `mapstructure:"action_id"` // Идентификатор swap-экшена в сети

	// Circuit Breaker и лимитер, чтобы не спамить сеть подписи
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// CapacityConfig — параметры минта rate-limit кредита.
type CapacityConfig struct {
	RequestsPerKilosecond          int           `mapstructure:"requests_per_kilosecond"`
	DaysUntilUTCMidnightExpiration int           `mapstructure:"days_until_utc_midnight_expiration"`
	EarlyExpiration                time.Duration `mapstructure:"early_expiration"`
	MintCostBalance                string        `mapstructure:"mint_cost_balance"`
}

type SpendConfig struct {
	Precision int32 `mapstructure:"precision"` // Знаков после запятой для USD
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ExporterURL string `mapstructure:"exporter_url"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig объединяет значения из файла, ENV и дефолтов.
// path может быть пустым, тогда ищем config.yaml в . и ./configs
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает конфиг: ENGINE_TICK_INTERVAL=30s перекроет engine.tick_interval
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 3*time.Minute)
	// Пустые дефолты нужны, чтобы viper видел ключи из ENV (DATABASE_URL, SIGNER_AUTH_TOKEN...)
	for _, key := range []string{
		"server.host", "database.url", "redis.password", "auth.public_key_path",
		"engine.delegatee_address", "chain.rpc_url", "oracle.api_key", "trending.url",
		"signer.auth_token", "telemetry.exporter_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("engine.tick_interval", 10*time.Second)
	v.SetDefault("engine.concurrency", 1)
	v.SetDefault("engine.exec_timeout", 2*time.Minute)
	v.SetDefault("engine.gas_buffer_pct", "0.10")
	v.SetDefault("engine.persist_timeout", 10*time.Second)
	v.SetDefault("engine.delegatee_min_balance", "0.0005")
	v.SetDefault("engine.journal_buffer_size", 1000)
	v.SetDefault("engine.journal_flush_interval", 1*time.Second)

	v.SetDefault("chain.name", "base")
	v.SetDefault("chain.id", 8453)
	v.SetDefault("chain.timeout", 10*time.Second)
	v.SetDefault("chain.native_price_address", "0x4200000000000000000000000000000000000006")

	v.SetDefault("oracle.base_url", "https://deep-index.moralis.io/api/v2.2")
	v.SetDefault("oracle.timeout", 10*time.Second)
	v.SetDefault("trending.timeout", 10*time.Second)

	v.SetDefault("signer.addr", "localhost:50061")
	v.SetDefault("signer.timeout", 60*time.Second)
	v.SetDefault("signer.session_ttl", 24*time.Hour)
	v.SetDefault("signer.action_id", "dca-swap")
	v.SetDefault("signer.cb_max_requests", 1)
	v.SetDefault("signer.cb_interval", 60*time.Second)
	v.SetDefault("signer.cb_timeout", 5*time.Minute)
	v.SetDefault("signer.cb_failures", 5)
	v.SetDefault("signer.rate_limit", 2)
	v.SetDefault("signer.rate_burst", 4)

	v.SetDefault("capacity.requests_per_kilosecond", 80)
	v.SetDefault("capacity.days_until_utc_midnight_expiration", 1)
	v.SetDefault("capacity.early_expiration", 10*time.Minute)
	v.SetDefault("capacity.mint_cost_balance", "0.0001")

	v.SetDefault("spend.precision", 18)

	v.SetDefault("telemetry.service_name", "dca-autopilot")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate ловит ошибки конфигурации до старта тик-лупа
func (c *Config) Validate() error {
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("config: engine.tick_interval must be positive")
	}
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("config: engine.concurrency must be >= 1")
	}
	// Нулевой таймаут: context.WithTimeout(ctx, 0) роняет каждый вызов сразу
	for _, t := range []struct {
		key string
		val time.Duration
	}{
		{"engine.exec_timeout", c.Engine.ExecTimeout},
		{"engine.persist_timeout", c.Engine.PersistTimeout},
		{"chain.timeout", c.Chain.Timeout},
		{"oracle.timeout", c.Oracle.Timeout},
		{"trending.timeout", c.Trending.Timeout},
		{"signer.timeout", c.Signer.Timeout},
		{"server.write_timeout", c.Server.WriteTimeout},
	} {
		if t.val <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", t.key, t.val)
		}
	}
	// Ручной execute должен успеть отдать ответ после исполнения и записи итога
	if budget := c.Engine.ExecTimeout + c.Engine.PersistTimeout; c.Server.WriteTimeout <= budget {
		return fmt.Errorf("config: server.write_timeout (%s) must exceed engine.exec_timeout + engine.persist_timeout (%s)",
			c.Server.WriteTimeout, budget)
	}
	for key, val := range map[string]string{
		"engine.gas_buffer_pct":        c.Engine.GasBufferPct,
		"engine.delegatee_min_balance": c.Engine.DelegateeMinBalance,
		"capacity.mint_cost_balance":   c.Capacity.MintCostBalance,
	} {
		d, err := decimal.NewFromString(val)
		if err != nil || d.IsNegative() {
			return fmt.Errorf("config: %s must be a non-negative decimal, got %q", key, val)
		}
	}
	if c.Capacity.DaysUntilUTCMidnightExpiration < 1 {
		return fmt.Errorf("config: capacity.days_until_utc_midnight_expiration must be >= 1")
	}
	if c.Spend.Precision < 0 {
		return fmt.Errorf("config: spend.precision must be >= 0")
	}
	return nil
}

// loadKeyResource: ключ из ENV (для Docker/K8s) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
