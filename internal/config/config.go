package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Auth          AuthConfig          `mapstructure:"auth"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Events        EventsConfig        `mapstructure:"events"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
	Channels      ChannelsConfig      `mapstructure:"channels"`
	CrossApp      CrossAppConfig      `mapstructure:"cross_app"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	InstanceID      string        `mapstructure:"instance_id"`
	Mode            string        `mapstructure:"mode"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// AuthConfig maps an app id to the bcrypt hash of its API key.
type AuthConfig struct {
	APIKeys     map[string]string `mapstructure:"api_keys"`
	KeyCacheTTL time.Duration     `mapstructure:"key_cache_ttl"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type EventsConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	DispatchWorkers int           `mapstructure:"dispatch_workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	MaxHistoryLimit int           `mapstructure:"max_history_limit"`
}

type NotificationsConfig struct {
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	TTL                time.Duration `mapstructure:"ttl"`
	PreferenceCacheTTL time.Duration `mapstructure:"preference_cache_ttl"`
	SchedulerBatch     int           `mapstructure:"scheduler_batch"`
	SchedulerIdle      time.Duration `mapstructure:"scheduler_idle"`
	RetryLease         time.Duration `mapstructure:"retry_lease"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`
	// BufferBackend is "memory" or "redis".
	BufferBackend string `mapstructure:"buffer_backend"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type GatewayConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	SigningSecret string        `mapstructure:"signing_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ChannelsConfig struct {
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Push    GatewayConfig `mapstructure:"push"`
	SMS     GatewayConfig `mapstructure:"sms"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// CrossAppConfig lists, per source app, the apps it may share events with.
type CrossAppConfig struct {
	Allow map[string][]string `mapstructure:"allow"`
}

type WorkerConfig struct {
	HealthPort     int    `mapstructure:"health_port"`
	PurgeSchedule  string `mapstructure:"purge_schedule"`
	ExpirySchedule string `mapstructure:"expiry_schedule"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// secrets are read straight from the environment so they never need to live in config.yaml.
type secrets struct {
	DatabasePassword     string `envconfig:"DATABASE_PASSWORD"`
	RedisPassword        string `envconfig:"REDIS_PASSWORD"`
	JWTSecret            string `envconfig:"JWT_SECRET"`
	SMTPPassword         string `envconfig:"SMTP_PASSWORD"`
	WebhookSigningSecret string `envconfig:"WEBHOOK_SIGNING_SECRET"`
}

const envPrefix = "HUB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "eventhub")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("jwt.issuer", "eventhub")

	v.SetDefault("auth.key_cache_ttl", 5*time.Minute)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 50.0)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("events.retention", 30*24*time.Hour)
	v.SetDefault("events.dispatch_workers", 8)
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.handler_timeout", 5*time.Second)
	v.SetDefault("events.max_history_limit", 100)

	v.SetDefault("notifications.retry_base_delay", time.Second)
	v.SetDefault("notifications.max_attempts", 5)
	v.SetDefault("notifications.ttl", 24*time.Hour)
	v.SetDefault("notifications.preference_cache_ttl", time.Minute)
	v.SetDefault("notifications.scheduler_batch", 100)
	v.SetDefault("notifications.scheduler_idle", 5*time.Second)
	v.SetDefault("notifications.retry_lease", 2*time.Minute)

	v.SetDefault("realtime.heartbeat_interval", 30*time.Second)
	v.SetDefault("realtime.heartbeat_timeout", 60*time.Second)
	v.SetDefault("realtime.buffer_size", 1000)
	v.SetDefault("realtime.buffer_backend", "memory")

	v.SetDefault("channels.smtp.port", 587)
	v.SetDefault("channels.push.timeout", 5*time.Second)
	v.SetDefault("channels.sms.timeout", 5*time.Second)
	v.SetDefault("channels.webhook.timeout", 5*time.Second)

	v.SetDefault("worker.health_port", 8081)
	v.SetDefault("worker.purge_schedule", "@hourly")
	v.SetDefault("worker.expiry_schedule", "@every 1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)
}

// LoadConfig reads config.yaml from path (or the usual search paths when path
// is empty), applies HUB_ environment overrides and overlays secrets.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var s secrets
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	cfg.applySecrets(s)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets(s secrets) {
	if s.DatabasePassword != "" {
		c.Database.Password = s.DatabasePassword
	}
	if s.RedisPassword != "" {
		c.Redis.Password = s.RedisPassword
	}
	if s.JWTSecret != "" {
		c.JWT.Secret = s.JWTSecret
	}
	if s.SMTPPassword != "" {
		c.Channels.SMTP.Password = s.SMTPPassword
	}
	if s.WebhookSigningSecret != "" {
		c.Channels.Webhook.SigningSecret = s.WebhookSigningSecret
	}
}

func (c *Config) Validate() error {
	if c.Notifications.MaxAttempts < 1 {
		return fmt.Errorf("notifications.max_attempts must be at least 1")
	}
	if c.Realtime.BufferSize < 1 {
		return fmt.Errorf("realtime.buffer_size must be at least 1")
	}
	if c.Realtime.HeartbeatTimeout <= c.Realtime.HeartbeatInterval {
		return fmt.Errorf("realtime.heartbeat_timeout must exceed heartbeat_interval")
	}
	switch c.Realtime.BufferBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("realtime.buffer_backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown realtime.buffer_backend %q", c.Realtime.BufferBackend)
	}
	if c.Events.MaxHistoryLimit < 1 {
		return fmt.Errorf("events.max_history_limit must be at least 1")
	}
	return nil
}
