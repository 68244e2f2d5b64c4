package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	Hoymiles    HoymilesConfig
	Growatt     GrowattConfig
	Chain       ChainConfig
	Dispatch    DispatchConfig
	Schedule    ScheduleConfig
	RabbitMQ    RabbitMQConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// HoymilesConfig holds Hoymiles cloud API settings
type HoymilesConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	TokenTTL       time.Duration
}

// GrowattConfig holds Growatt cloud API settings
type GrowattConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	PlantCacheTTL  time.Duration
}

// ChainConfig holds Vara node and contract settings
type ChainConfig struct {
	NodeURL        string
	ContractID     string
	Mnemonic       string
	GasLimit       uint64
	CommandTimeout time.Duration
}

// DispatchConfig holds token dispatcher retry and pacing settings
type DispatchConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	PacingDelay time.Duration
}

// ScheduleConfig holds the daily reconciliation schedule
type ScheduleConfig struct {
	CronSpec string
	Timezone string
}

// RabbitMQConfig holds the optional event/replay queue settings.
// All mq features are disabled when URL is empty.
type RabbitMQConfig struct {
	URL              string
	EventsExchange   string
	EventsRoutingKey string
	AbandonedQueue   string
	DLQQueue         string
	ReplayEnabled    bool
	PrefetchCount    int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gaia-tokenizer"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8080),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Hoymiles: HoymilesConfig{
			BaseURL:        getEnv("HOYMILES_API_URL", ""),
			RequestTimeout: getEnvAsDuration("HOYMILES_REQUEST_TIMEOUT", 30*time.Second),
			TokenTTL:       getEnvAsDuration("HOYMILES_TOKEN_TTL", time.Hour),
		},
		Growatt: GrowattConfig{
			BaseURL:        getEnv("GROWATT_API_URL", "https://openapi.growatt.com"),
			RequestTimeout: getEnvAsDuration("GROWATT_REQUEST_TIMEOUT", 30*time.Second),
			PlantCacheTTL:  getEnvAsDuration("GROWATT_PLANT_CACHE_TTL", 5*time.Minute),
		},
		Chain: ChainConfig{
			NodeURL:        getEnv("VARA_NODE_URL", "wss://testnet.vara.network"),
			ContractID:     getEnv("VARA_CONTRACT_ID", ""),
			Mnemonic:       getEnv("MNEMONIC", ""),
			GasLimit:       getEnvAsUint64("VARA_GAS_LIMIT", 4_000_000_000),
			CommandTimeout: getEnvAsDuration("VARA_COMMAND_TIMEOUT", 90*time.Second),
		},
		Dispatch: DispatchConfig{
			MaxAttempts: getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 3),
			RetryDelay:  getEnvAsDuration("DISPATCH_RETRY_DELAY", 3*time.Second),
			PacingDelay: getEnvAsDuration("DISPATCH_PACING_DELAY", 3*time.Second),
		},
		Schedule: ScheduleConfig{
			CronSpec: getEnv("RECONCILE_CRON", "0 20 * * *"),
			Timezone: getEnv("RECONCILE_TIMEZONE", "America/Bogota"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "gaia-tokenizer.events.exchange"),
			EventsRoutingKey: getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "reconciliation.completed"),
			AbandonedQueue:   getEnv("RABBITMQ_ABANDONED_QUEUE", "gaia-tokenizer.mints.abandoned"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "gaia-tokenizer.mints.dlq"),
			ReplayEnabled:    getEnvAsBool("RABBITMQ_REPLAY_ENABLED", false),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 1),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.Hoymiles.BaseURL == "" {
		return nil, fmt.Errorf("HOYMILES_API_URL is required but not set in environment variables")
	}
	if cfg.Chain.ContractID == "" {
		return nil, fmt.Errorf("VARA_CONTRACT_ID is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
