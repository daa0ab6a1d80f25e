package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Environment  string   `mapstructure:"environment"`
	Port         string   `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | mysql
	DSN    string `mapstructure:"dsn"`
}

type OutboxConfig struct {
	FeatureCap          int           `mapstructure:"feature_cap"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	FirstAttemptDelay   time.Duration `mapstructure:"first_attempt_delay"`
	ManualRetryDelay    time.Duration `mapstructure:"manual_retry_delay"`
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout"`
	Backoff             string        `mapstructure:"backoff"` // fixed | exponential
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	DeadLetterPermanent bool          `mapstructure:"dead_letter_permanent"`
}

type RemoteConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	DeviceID string        `mapstructure:"device_id"`
	APIToken string        `mapstructure:"api_token"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LockTTL     int           `mapstructure:"lock_ttl"` // seconds
	LockPrefix  string        `mapstructure:"lock_prefix"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HubBufferSize     int           `mapstructure:"hub_buffer_size"`
	HistorySize       int           `mapstructure:"history_size"`
}

type AuthConfig struct {
	SigningKey      string            `mapstructure:"signing_key"`
	AccessTokenTTL  time.Duration     `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration     `mapstructure:"refresh_token_ttl"`
	DevMode         bool              `mapstructure:"dev_mode"`
	Operators       []OperatorAccount `mapstructure:"operators"`
}

// OperatorAccount is a driver or supervisor allowed to use the inspection API.
// PasswordHash is a bcrypt hash.
type OperatorAccount struct {
	ID           string `mapstructure:"id"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8088")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fieldsync.db")

	v.SetDefault("outbox.feature_cap", 30)
	v.SetDefault("outbox.poll_interval", 60*time.Second)
	v.SetDefault("outbox.first_attempt_delay", 60*time.Second)
	v.SetDefault("outbox.manual_retry_delay", 10*time.Minute)
	v.SetDefault("outbox.submit_timeout", 30*time.Second)
	v.SetDefault("outbox.stop_timeout", 30*time.Second)
	v.SetDefault("outbox.backoff", "fixed")
	v.SetDefault("outbox.backoff_max", 30*time.Minute)
	v.SetDefault("outbox.max_attempts", 0)
	v.SetDefault("outbox.dead_letter_permanent", false)

	v.SetDefault("remote.timeout", 20*time.Second)

	v.SetDefault("redis.addr", "127.0.0.1:6379")

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.lock_ttl", 10)
	v.SetDefault("etcd.lock_prefix", "/fieldsync/locks/outbox/")

	v.SetDefault("stream.heartbeat_interval", 15*time.Second)
	v.SetDefault("stream.hub_buffer_size", 256)
	v.SetDefault("stream.history_size", 1000)

	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)

	v.SetDefault("ratelimit.requests_per_second", 5)
}

// Load reads config.yaml from . or ./config, then FIELDSYNC_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	ErrInvalidFeatureCap   = errors.New("outbox.feature_cap must be positive")
	ErrInvalidPollInterval = errors.New("outbox.poll_interval must be positive")
	ErrInvalidBackoff      = errors.New("outbox.backoff must be fixed or exponential")
	ErrInvalidDriver       = errors.New("database.driver must be sqlite or mysql")
)

func (c *Config) Validate() error {
	if c.Outbox.FeatureCap <= 0 {
		return ErrInvalidFeatureCap
	}
	if c.Outbox.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	switch c.Outbox.Backoff {
	case "fixed", "exponential":
	default:
		return ErrInvalidBackoff
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return ErrInvalidDriver
	}
	return nil
}
