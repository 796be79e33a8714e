package domain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete Kite configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
	Fraud      FraudConfig      `json:"fraud" yaml:"fraud"`
	Pricing    PricingConfig    `json:"pricing" yaml:"pricing"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// RepositoryConfig holds configuration for the facts store.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `json:"localMaxSize" yaml:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"localTtl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"redisPassword" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`
}

// GatewayConfig holds request pipeline settings.
type GatewayConfig struct {
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins"`
	RateLimit      int      `json:"rateLimit" yaml:"rateLimit"`           // requests per window
	RateWindowSecs int      `json:"rateWindowSecs" yaml:"rateWindowSecs"` // window length
	JWTSecret      string   `json:"jwtSecret" yaml:"jwtSecret"`
}

// FraudConfig holds fraud engine settings.
type FraudConfig struct {
	RiskThreshold    float64 `json:"riskThreshold" yaml:"riskThreshold"` // 0-100
	FetchTimeoutSecs int     `json:"fetchTimeoutSecs" yaml:"fetchTimeoutSecs"`
	EvalTimeoutSecs  int     `json:"evalTimeoutSecs" yaml:"evalTimeoutSecs"`
	MaxWorkers       int     `json:"maxWorkers" yaml:"maxWorkers"`

	// CustomRules are operator-supplied CEL rules loaded at startup.
	CustomRules []CustomRuleConfig `json:"customRules" yaml:"customRules"`
}

// CustomRuleConfig defines a CEL-expression fraud rule.
type CustomRuleConfig struct {
	Name       string  `json:"name" yaml:"name"`
	Weight     float64 `json:"weight" yaml:"weight"`
	Expression string  `json:"expression" yaml:"expression"`
}

// PricingConfig holds pricing engine settings.
type PricingConfig struct {
	FetchTimeoutSecs int `json:"fetchTimeoutSecs" yaml:"fetchTimeoutSecs"`
	PredictionDays   int `json:"predictionDays" yaml:"predictionDays"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns a configuration suitable for local development:
// SQLite facts, in-memory cache and bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kite.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type: "memory",
		},
		Gateway: GatewayConfig{
			AllowedOrigins: []string{"*"},
			RateLimit:      100,
			RateWindowSecs: 60,
		},
		Fraud: FraudConfig{
			RiskThreshold:    70,
			FetchTimeoutSecs: 2,
			EvalTimeoutSecs:  10,
			MaxWorkers:       10,
		},
		Pricing: PricingConfig{
			FetchTimeoutSecs: 2,
			PredictionDays:   30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kite",
		},
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
