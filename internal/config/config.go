package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".kidguard"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".kidguard/kidguard.db"
	EnvPrefix         = "KIDGUARD"
)

// Load reads the config file (falling back to defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
// A .env file in the working directory is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Liveness.InactiveAfter <= 0 || c.Liveness.DisconnectedAfter <= 0 {
		return fmt.Errorf("liveness thresholds must be positive")
	}
	if c.Liveness.InactiveAfter >= c.Liveness.DisconnectedAfter {
		return fmt.Errorf("liveness.inactive_after (%s) must be below liveness.disconnected_after (%s)",
			c.Liveness.InactiveAfter, c.Liveness.DisconnectedAfter)
	}
	if c.Liveness.DedupWindow <= 0 {
		return fmt.Errorf("liveness.dedup_window must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "mysql", "postgres", "":
	default:
		return fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql, postgres)", c.Database.Driver)
	}
	switch c.Scoring.Provider {
	case "http", "openai", "none", "":
	default:
		return fmt.Errorf("unsupported scoring provider %q (supported: http, openai, none)", c.Scoring.Provider)
	}
	return nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	if configPath == "" {
		p, err := ConfigPath("")
		if err != nil {
			return err
		}
		configPath = p
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// setDefaults populates viper with out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("server.addr", "127.0.0.1:7080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "kidguard")
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("auth.role_cache_ttl", 30*time.Second)
	v.SetDefault("auth.impersonation_ttl", 15*time.Minute)

	v.SetDefault("liveness.inactive_after", 15*time.Minute)
	v.SetDefault("liveness.disconnected_after", 60*time.Minute)
	v.SetDefault("liveness.dedup_window", 2*time.Hour)
	v.SetDefault("liveness.workers", 1)
	v.SetDefault("liveness.schedule", "@every 5m")
	v.SetDefault("liveness.locale", "he")

	v.SetDefault("queue.stuck_after", 5*time.Minute)
	v.SetDefault("queue.attempt_timeout", 60*time.Second)
	v.SetDefault("queue.stop_on_error", false)
	v.SetDefault("queue.retention", 7*24*time.Hour)
	v.SetDefault("queue.drain_schedule", "@every 1m")
	v.SetDefault("queue.cleanup_schedule", "@every 10m")
	v.SetDefault("queue.purge_schedule", "@daily")

	v.SetDefault("scoring.provider", "none")
	v.SetDefault("scoring.base_url", "")
	v.SetDefault("scoring.api_key", "")
	v.SetDefault("scoring.model", "")
	v.SetDefault("scoring.timeout", 45*time.Second)

	v.SetDefault("subscriptions.schedule", "@hourly")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "kidguard-core")
	v.SetDefault("mqtt.heartbeat_topic", "kidguard/devices/+/heartbeat")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "kidguard")
	v.SetDefault("amqp.queue", "kidguard.messages")

	v.SetDefault("notify.fcm.credentials_json", "")
	v.SetDefault("notify.telegram.bot_token", "")
	v.SetDefault("notify.shoutrrr.timeout", 10*time.Second)
	v.SetDefault("notify.email.smtp_port", 587)

	v.SetDefault("telemetry.sentry_dsn", "")
	v.SetDefault("telemetry.environment", "production")
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
