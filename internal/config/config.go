package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "FINDIT"
	defaultSecret = "change-me"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	ServerID   string        `mapstructure:"server_id"`
	// Backpressure is "kick" or "drop".
	Backpressure string `mapstructure:"backpressure"`

	Auth    AuthConfig    `mapstructure:"auth"`
	Storage StorageConfig `mapstructure:"storage"`
	Session SessionConfig `mapstructure:"session"`
	Events  EventsConfig  `mapstructure:"events"`
	Calls   CallsConfig   `mapstructure:"calls"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	RTC     RTCConfig     `mapstructure:"rtc"`
}

type AuthConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	TokenQueryParam string `mapstructure:"token_query_param"`
	// RevocationKey prefixes revoked token ids in redis.
	RevocationKey string `mapstructure:"revocation_key"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type SessionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	RedisAddress  string        `mapstructure:"redis_address"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type EventsConfig struct {
	// Type is "none", "redis" or "kafka".
	Type         string   `mapstructure:"type"`
	RedisChannel string   `mapstructure:"redis_channel"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type CallsConfig struct {
	// RingTimeout 0 disables the sweeper.
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	RecordQueue    int           `mapstructure:"record_queue"`
	OfferLimit     int           `mapstructure:"offer_limit"`
	OfferWindow    time.Duration `mapstructure:"offer_window"`
}

type ChatConfig struct {
	RequireAccepted bool `mapstructure:"require_accepted"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", defaultSecret)
	v.SetDefault("server_id", "")
	v.SetDefault("backpressure", "kick")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_query_param", "token")
	v.SetDefault("auth.revocation_key", "findit:revoked")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "file:findit.db?_pragma=busy_timeout(5000)")
	v.SetDefault("storage.connect_timeout", "30s")

	v.SetDefault("session.enabled", false)
	v.SetDefault("session.redis_address", "localhost:6379")
	v.SetDefault("session.redis_password", "")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.ttl", "90s")

	v.SetDefault("events.type", "none")
	v.SetDefault("events.redis_channel", "findit:call-events")
	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.kafka_topic", "findit.call-events")

	v.SetDefault("calls.ring_timeout", "0s")
	v.SetDefault("calls.persist_timeout", "5s")
	v.SetDefault("calls.record_queue", 1024)
	v.SetDefault("calls.offer_limit", 10)
	v.SetDefault("calls.offer_window", "1m")

	v.SetDefault("chat.require_accepted", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// Load reads config/config.<CONFIG_ENV>.yaml, then FINDIT_* environment overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file falls back to defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Events.Type = strings.ToLower(cfg.Events.Type)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("storage", cfg.Storage.Driver).Str("events", cfg.Events.Type).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.SendBuffer < 1 {
		return errors.New("send_buffer must be positive")
	}
	if c.ReadLimit < 1 {
		return errors.New("read_limit must be positive")
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		return errors.New("ping_period must be positive and shorter than pong_wait")
	}
	if c.Auth.Enabled {
		if len(c.Auth.JWTSecret) < 16 {
			return errors.New("auth.jwt_secret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.token_query_param must be configured when auth is enabled")
		}
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn must be set")
		}
	case "none":
	default:
		return fmt.Errorf("invalid storage driver: %s. Must be 'sqlite', 'postgres' or 'none'", c.Storage.Driver)
	}

	switch c.Events.Type {
	case "none", "":
	case "redis":
		if c.Session.RedisAddress == "" || c.Events.RedisChannel == "" {
			return errors.New("session.redis_address and events.redis_channel must be set for redis events")
		}
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 || c.Events.KafkaTopic == "" {
			return errors.New("kafka brokers and topic must be specified for kafka events")
		}
	default:
		return fmt.Errorf("invalid events type: %s. Must be 'none', 'redis' or 'kafka'", c.Events.Type)
	}

	if c.Session.Enabled && c.Session.TTL <= c.PongWait {
		return errors.New("session.ttl should be greater than pong_wait")
	}
	if c.Calls.RingTimeout < 0 {
		return errors.New("calls.ring_timeout must not be negative")
	}
	if c.Calls.RecordQueue < 1 {
		return errors.New("calls.record_queue must be positive")
	}
	return nil
}

// RedisNeeded reports whether any component uses the shared Redis client.
func (c *Config) RedisNeeded() bool {
	return c.Session.Enabled || c.Events.Type == "redis"
}
