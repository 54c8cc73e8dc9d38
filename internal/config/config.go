// Package config loads service configuration from an optional YAML file and
// the environment, with environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the action automation service.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Portfolio  PortfolioConfig  `mapstructure:"portfolio"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
}

// DSN returns the connection string, preferring an explicit DATABASE_URL.
func (c *DatabaseConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type MarketDataConfig struct {
	ServiceURL string        `mapstructure:"service_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// MaxQuoteAge is how stale a quote may be before the evaluator treats
	// it as missing.
	MaxQuoteAge time.Duration `mapstructure:"max_quote_age"`
}

type PortfolioConfig struct {
	ServiceURL string        `mapstructure:"service_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

type SchedulerConfig struct {
	// OpenInterval / ClosedInterval are the cycle intervals while the
	// market is open / closed.
	OpenInterval   time.Duration `mapstructure:"open_interval"`
	ClosedInterval time.Duration `mapstructure:"closed_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// Load reads configuration from config.yaml (when present in the working
// directory or /etc/autopilot) and the environment. Environment variables use
// the AUTOPILOT_ prefix with underscores, e.g. AUTOPILOT_DATABASE_HOST.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/autopilot")

	v.SetEnvPrefix("autopilot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "autopilot")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("market_data.service_url", "http://localhost:3001")
	v.SetDefault("market_data.timeout", 10*time.Second)
	v.SetDefault("market_data.max_quote_age", 5*time.Minute)

	v.SetDefault("portfolio.service_url", "http://localhost:3002")
	v.SetDefault("portfolio.timeout", 10*time.Second)

	v.SetDefault("scheduler.open_interval", 30*time.Second)
	v.SetDefault("scheduler.closed_interval", 5*time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.lease_duration", 2*time.Minute)
	v.SetDefault("scheduler.sweep_interval", 10*time.Minute)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler batch size must be positive")
	}
	if c.Scheduler.LeaseDuration <= 0 {
		return fmt.Errorf("scheduler lease duration must be positive")
	}
	return nil
}
