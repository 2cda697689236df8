package config

import "time"

// Config is the root configuration structure for kidguard.
// Serialised to ~/.kidguard/config.json.
type Config struct {
	Database      DatabaseConfig     `mapstructure:"database"      json:"database"`
	Server        ServerConfig       `mapstructure:"server"        json:"server"`
	Log           LogConfig          `mapstructure:"log"           json:"log"`
	Auth          AuthConfig         `mapstructure:"auth"          json:"auth"`
	Liveness      LivenessConfig     `mapstructure:"liveness"      json:"liveness"`
	Queue         QueueConfig        `mapstructure:"queue"         json:"queue"`
	Scoring       ScoringConfig      `mapstructure:"scoring"       json:"scoring"`
	Subscriptions SubscriptionConfig `mapstructure:"subscriptions" json:"subscriptions"`
	Redis         RedisConfig        `mapstructure:"redis"         json:"redis"`
	MQTT          MQTTConfig         `mapstructure:"mqtt"          json:"mqtt"`
	AMQP          AMQPConfig         `mapstructure:"amqp"          json:"amqp"`
	Notify        NotifyConfig       `mapstructure:"notify"        json:"notify"`
	Telemetry     TelemetryConfig    `mapstructure:"telemetry"     json:"telemetry"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "mysql" or "postgres".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL/Postgres data source name.
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// ServerConfig controls the admin HTTP control plane.
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:7080).
	Addr string `mapstructure:"addr" json:"addr"`
}

// LogConfig controls zap output.
type LogConfig struct {
	Level  string `mapstructure:"level"  json:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format" json:"format"` // json|console
}

// AuthConfig controls bearer-token verification and admin checks.
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"        json:"jwt_secret"`
	Issuer           string        `mapstructure:"issuer"            json:"issuer"`
	AdminRole        string        `mapstructure:"admin_role"        json:"admin_role"`
	RoleCacheTTL     time.Duration `mapstructure:"role_cache_ttl"    json:"role_cache_ttl"`
	ImpersonationTTL time.Duration `mapstructure:"impersonation_ttl" json:"impersonation_ttl"`
}

// LivenessConfig holds device heartbeat thresholds.
type LivenessConfig struct {
	InactiveAfter     time.Duration `mapstructure:"inactive_after"     json:"inactive_after"`
	DisconnectedAfter time.Duration `mapstructure:"disconnected_after" json:"disconnected_after"`
	// DedupWindow suppresses repeat heartbeat_lost events for the same outage.
	DedupWindow time.Duration `mapstructure:"dedup_window" json:"dedup_window"`
	// Workers is the number of devices evaluated in parallel (1 = sequential).
	Workers  int    `mapstructure:"workers"  json:"workers"`
	Schedule string `mapstructure:"schedule" json:"schedule"`
	// Locale selects the alert message catalog ("he" or "en").
	Locale string `mapstructure:"locale" json:"locale"`
}

// QueueConfig controls the alert scoring queue.
type QueueConfig struct {
	StuckAfter     time.Duration `mapstructure:"stuck_after"     json:"stuck_after"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`
	// StopOnError makes ProcessAll stop at the first failed item instead of
	// recording it and moving on.
	StopOnError     bool          `mapstructure:"stop_on_error"    json:"stop_on_error"`
	Retention       time.Duration `mapstructure:"retention"        json:"retention"`
	DrainSchedule   string        `mapstructure:"drain_schedule"   json:"drain_schedule"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule" json:"cleanup_schedule"`
	PurgeSchedule   string        `mapstructure:"purge_schedule"   json:"purge_schedule"`
}

// ScoringConfig selects the content-scoring collaborator.
type ScoringConfig struct {
	// Provider is "http", "openai" or "none".
	Provider string        `mapstructure:"provider" json:"provider"`
	BaseURL  string        `mapstructure:"base_url" json:"base_url"`
	APIKey   string        `mapstructure:"api_key"  json:"api_key"`
	Model    string        `mapstructure:"model"    json:"model"`
	Timeout  time.Duration `mapstructure:"timeout"  json:"timeout"`
}

// SubscriptionConfig controls the premium expiry sweep.
type SubscriptionConfig struct {
	Schedule string `mapstructure:"schedule" json:"schedule"`
}

// RedisConfig enables cross-instance locking when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"     json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db"       json:"db"`
}

// MQTTConfig enables heartbeat ingestion when Broker is set.
type MQTTConfig struct {
	Broker         string `mapstructure:"broker"          json:"broker"`
	ClientID       string `mapstructure:"client_id"       json:"client_id"`
	Username       string `mapstructure:"username"        json:"username"`
	Password       string `mapstructure:"password"        json:"password"`
	HeartbeatTopic string `mapstructure:"heartbeat_topic" json:"heartbeat_topic"`
}

// AMQPConfig enables content ingestion when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url"      json:"url"`
	Exchange string `mapstructure:"exchange" json:"exchange"`
	Queue    string `mapstructure:"queue"    json:"queue"`
}

// NotifyConfig controls outbound notifications.
type NotifyConfig struct {
	// Events limits which event types are delivered (empty = defaults).
	Events   []string             `mapstructure:"events"   json:"events"`
	FCM      FCMNotifyConfig      `mapstructure:"fcm"      json:"fcm"`
	Shoutrrr ShoutrrrNotifyConfig `mapstructure:"shoutrrr" json:"shoutrrr"`
	Telegram TelegramNotifyConfig `mapstructure:"telegram" json:"telegram"`
	Email    EmailNotifyConfig    `mapstructure:"email"    json:"email"`
	Webhook  WebhookNotifyConfig  `mapstructure:"webhook"  json:"webhook"`
}

// FCMNotifyConfig configures Firebase Cloud Messaging push.
type FCMNotifyConfig struct {
	CredentialsJSON string `mapstructure:"credentials_json" json:"credentials_json"`
	ProjectID       string `mapstructure:"project_id"       json:"project_id"`
}

// ShoutrrrNotifyConfig lists shoutrrr service URLs (ops channels).
type ShoutrrrNotifyConfig struct {
	URLs    []string      `mapstructure:"urls"    json:"urls"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// TelegramNotifyConfig configures the Telegram bot channel.
type TelegramNotifyConfig struct {
	BotToken string `mapstructure:"bot_token" json:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"   json:"chat_id"`
}

// EmailNotifyConfig configures SMTP delivery.
type EmailNotifyConfig struct {
	SMTPHost string `mapstructure:"smtp_host" json:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" json:"smtp_port"`
	Username string `mapstructure:"username"  json:"username"`
	Password string `mapstructure:"password"  json:"password"`
	From     string `mapstructure:"from"      json:"from"`
	To       string `mapstructure:"to"        json:"to"`
	UseTLS   bool   `mapstructure:"use_tls"   json:"use_tls"`
}

// WebhookNotifyConfig configures a generic signed webhook.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"`
}

// TelemetryConfig enables Sentry error reporting when SentryDSN is set.
type TelemetryConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn"  json:"sentry_dsn"`
	Environment string `mapstructure:"environment" json:"environment"`
}
