package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "dca"
)

// Ключи для Sets (состояние)
const (
	RedisKeyPausedWallets = RedisNamespace + ":wallets:paused_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch — сигналы оператора в формате "wallet:on|off" ("*", глобальная остановка)
	RedisChanKillSwitch = RedisNamespace + ":wallets:kill-switch-signal"
)

// GlobalHaltID — «кошелек», означающий остановку всех исполнений
const GlobalHaltID = "*"
