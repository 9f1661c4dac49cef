// Package config loads the orchestrator's process-scope configuration.
//
// All options here are fixed for the process lifetime (spec.md §6,
// "Configuration"): there is no hot reload. Values are merged from, in
// increasing priority, defaults < config file < environment variables <
// explicit flags, via viper — the config loader itself lives outside the
// core (spec.md §1 non-goals), but a complete repo still needs one.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	// Instance Manager / Port Pool
	MaxInstances   int `mapstructure:"max_instances"`
	PortStart      int `mapstructure:"port_start"`
	PortPoolSize   int `mapstructure:"port_pool_size"`

	HealthCheckInterval     time.Duration `mapstructure:"health_check_interval"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	StartupTimeout          time.Duration `mapstructure:"startup_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	MaxRestartAttempts      int           `mapstructure:"max_restart_attempts"`
	BaseBackoff             time.Duration `mapstructure:"base_backoff"`
	MaxBackoff              time.Duration `mapstructure:"max_backoff"`

	// Stream Bridge
	BatchInterval time.Duration `mapstructure:"batch_interval"`

	// Process spawn contract (spec.md §6)
	OpenCodeBinary string `mapstructure:"opencode_binary"`

	// Instance Store
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`

	// Admin/observability HTTP surface
	AdminListenAddr string `mapstructure:"admin_listen_addr"`
	AdminUsername   string `mapstructure:"admin_username"`
	AdminPassword   string `mapstructure:"admin_password"`

	// Telegram transport adapter
	TelegramToken string `mapstructure:"telegram_token"`

	Env string `mapstructure:"env"` // "dev" | "prod"
}

// Defaults returns the out-of-the-box configuration, matching the example
// literal values used throughout spec.md §8.
func Defaults() Config {
	return Config{
		MaxInstances:            10,
		PortStart:               4100,
		PortPoolSize:            100,
		HealthCheckInterval:     30 * time.Second,
		IdleTimeout:             30 * time.Minute,
		StartupTimeout:          15 * time.Second,
		GracefulShutdownTimeout: 5 * time.Second,
		MaxRestartAttempts:      3,
		BaseBackoff:             1 * time.Second,
		MaxBackoff:              30 * time.Second,
		BatchInterval:           2 * time.Second,
		OpenCodeBinary:          "opencode",
		RedisAddr:               "localhost:6379",
		RedisDB:                 0,
		AdminListenAddr:         "127.0.0.1:8090",
		Env:                     "prod",
	}
}

// Load merges defaults, an optional config file, environment variables
// (prefixed OCR_, e.g. OCR_PORT_START), and CLI flags into a Config.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()

	def := Defaults()
	v.SetDefault("max_instances", def.MaxInstances)
	v.SetDefault("port_start", def.PortStart)
	v.SetDefault("port_pool_size", def.PortPoolSize)
	v.SetDefault("health_check_interval", def.HealthCheckInterval)
	v.SetDefault("idle_timeout", def.IdleTimeout)
	v.SetDefault("startup_timeout", def.StartupTimeout)
	v.SetDefault("graceful_shutdown_timeout", def.GracefulShutdownTimeout)
	v.SetDefault("max_restart_attempts", def.MaxRestartAttempts)
	v.SetDefault("base_backoff", def.BaseBackoff)
	v.SetDefault("max_backoff", def.MaxBackoff)
	v.SetDefault("batch_interval", def.BatchInterval)
	v.SetDefault("opencode_binary", def.OpenCodeBinary)
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("redis_db", def.RedisDB)
	v.SetDefault("admin_listen_addr", def.AdminListenAddr)
	v.SetDefault("env", def.Env)
	// Keys without a built-in value are still registered so that their
	// environment variables reach Unmarshal.
	v.SetDefault("admin_username", def.AdminUsername)
	v.SetDefault("admin_password", def.AdminPassword)
	v.SetDefault("telegram_token", def.TelegramToken)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("ocr")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive, got %d", c.MaxInstances)
	}
	if c.PortPoolSize <= 0 {
		return fmt.Errorf("port_pool_size must be positive, got %d", c.PortPoolSize)
	}
	if c.PortStart <= 0 || c.PortStart+c.PortPoolSize > 65536 {
		return fmt.Errorf("port range [%d, %d) is invalid", c.PortStart, c.PortStart+c.PortPoolSize)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("max_restart_attempts must be non-negative, got %d", c.MaxRestartAttempts)
	}
	if c.OpenCodeBinary == "" {
		return fmt.Errorf("opencode_binary must not be empty")
	}
	return nil
}
