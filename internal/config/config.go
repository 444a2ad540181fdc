package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Widget  WidgetConfig  `mapstructure:"widget"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Storage StorageConfig `mapstructure:"storage"`
	Session SessionConfig `mapstructure:"session"`
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// WidgetConfig identifies the embedding client and where its backend lives
type WidgetConfig struct {
	ClientID   string        `mapstructure:"client_id"`
	AgentID    string        `mapstructure:"agent_id"`
	AgentKey   string        `mapstructure:"agent_key"`
	BaseURL    string        `mapstructure:"base_url"`
	TokenURL   string        `mapstructure:"token_url"`
	Origin     string        `mapstructure:"origin"`
	Production bool          `mapstructure:"production"`
	ConfigTTL  time.Duration `mapstructure:"config_ttl"`
}

type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects the session store backend
type StorageConfig struct {
	// Driver is one of memory, sqlite, redis
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SessionConfig struct {
	MaxPerAgent int           `mapstructure:"max_per_agent"`
	TTL         time.Duration `mapstructure:"ttl"`
}

// ServerConfig configures the stub backend server
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(configPath); !os.IsNotExist(statErr) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults and env vars
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Widget
	v.SetDefault("widget.base_url", "http://localhost:8080")
	v.SetDefault("widget.token_url", "http://localhost:8080/api/v1/domain-token")
	v.SetDefault("widget.origin", "localhost:3000")
	v.SetDefault("widget.production", false)
	v.SetDefault("widget.config_ttl", "48h")

	// Retry
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", "500ms")
	v.SetDefault("retry.max_delay", "8s")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.timeout", "30s")

	// Storage
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite.path", "./data/widget.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)

	// Session
	v.SetDefault("session.max_per_agent", 20)
	v.SetDefault("session.ttl", "168h") // 7 days

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Auth
	v.SetDefault("auth.token_ttl", "1h")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Widget credentials
	v.BindEnv("widget.client_id", "WIDGET_CLIENT_ID")
	v.BindEnv("widget.agent_id", "WIDGET_AGENT_ID")
	v.BindEnv("widget.agent_key", "WIDGET_AGENT_KEY")
	v.BindEnv("widget.base_url", "WIDGET_BASE_URL")
	v.BindEnv("widget.token_url", "WIDGET_TOKEN_URL")

	// Storage
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")

	// Auth
	v.BindEnv("auth.token_secret", "TOKEN_SECRET")
}
