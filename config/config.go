package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Relay          RelayConfig
	Fallback       FallbackConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RelayConfig holds the presence timers. GracePeriod, StaleThreshold,
// PendingTTL and ReaperInterval are independent of each other.
type RelayConfig struct {
	PeerTTL           time.Duration
	RoomTTL           time.Duration
	PendingTTL        time.Duration
	GracePeriod       time.Duration
	ReaperInterval    time.Duration
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
}

type FallbackConfig struct {
	IdleTimeout time.Duration
	MailboxSize int
}

// keys maps viper keys to the environment variables the server has always
// read. Nested keys keep the dotted form for relay.yaml.
var keys = map[string]string{
	"port":                     "PORT",
	"environment":              "ENVIRONMENT",
	"allowed_origins":          "ALLOWED_ORIGINS",
	"jwt_secret":               "JWT_SECRET",
	"redis.host":               "REDIS_HOST",
	"redis.port":               "REDIS_PORT",
	"redis.password":           "REDIS_PASSWORD",
	"redis.db":                 "REDIS_DB",
	"relay.peer_ttl":           "PEER_TTL",
	"relay.room_ttl":           "ROOM_TTL",
	"relay.pending_ttl":        "PENDING_TTL",
	"relay.grace_period":       "GRACE_PERIOD",
	"relay.reaper_interval":    "REAPER_INTERVAL",
	"relay.stale_threshold":    "STALE_THRESHOLD",
	"relay.heartbeat_interval": "HEARTBEAT_INTERVAL",
	"fallback.idle_timeout":    "FALLBACK_IDLE_TIMEOUT",
	"fallback.mailbox_size":    "FALLBACK_MAILBOX_SIZE",
}

var defaults = map[string]any{
	"port":                     "8080",
	"environment":              "development",
	"allowed_origins":          "http://localhost:3000,http://localhost:5173",
	"jwt_secret":               "",
	"redis.host":               "localhost",
	"redis.port":               "6379",
	"redis.password":           "",
	"redis.db":                 0,
	"relay.peer_ttl":           24 * time.Hour,
	"relay.room_ttl":           24 * time.Hour,
	"relay.pending_ttl":        300 * time.Second,
	"relay.grace_period":       30 * time.Second,
	"relay.reaper_interval":    60 * time.Second,
	"relay.stale_threshold":    5 * time.Minute,
	"relay.heartbeat_interval": 30 * time.Second,
	"fallback.idle_timeout":    60 * time.Second,
	"fallback.mailbox_size":    256,
}

// Load reads configuration from defaults, an optional relay.yaml, the
// environment and finally any flags that were explicitly set. configFile may
// be empty.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/presence-relay")
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, a broken one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		if f := flags.Lookup("port"); f != nil {
			if err := v.BindPFlag("port", f); err != nil {
				return nil, err
			}
		}
		if f := flags.Lookup("environment"); f != nil {
			if err := v.BindPFlag("environment", f); err != nil {
				return nil, err
			}
		}
	}

	cfg := &Config{
		Port:           v.GetString("port"),
		Environment:    v.GetString("environment"),
		AllowedOrigins: splitOrigins(v.GetString("allowed_origins")),
		JWTSecret:      v.GetString("jwt_secret"),
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Relay: RelayConfig{
			PeerTTL:           v.GetDuration("relay.peer_ttl"),
			RoomTTL:           v.GetDuration("relay.room_ttl"),
			PendingTTL:        v.GetDuration("relay.pending_ttl"),
			GracePeriod:       v.GetDuration("relay.grace_period"),
			ReaperInterval:    v.GetDuration("relay.reaper_interval"),
			StaleThreshold:    v.GetDuration("relay.stale_threshold"),
			HeartbeatInterval: v.GetDuration("relay.heartbeat_interval"),
		},
		Fallback: FallbackConfig{
			IdleTimeout: v.GetDuration("fallback.idle_timeout"),
			MailboxSize: v.GetInt("fallback.mailbox_size"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the timer settings for values the relay cannot run with.
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"PEER_TTL":              c.Relay.PeerTTL,
		"ROOM_TTL":              c.Relay.RoomTTL,
		"PENDING_TTL":           c.Relay.PendingTTL,
		"GRACE_PERIOD":          c.Relay.GracePeriod,
		"REAPER_INTERVAL":       c.Relay.ReaperInterval,
		"STALE_THRESHOLD":       c.Relay.StaleThreshold,
		"HEARTBEAT_INTERVAL":    c.Relay.HeartbeatInterval,
		"FALLBACK_IDLE_TIMEOUT": c.Fallback.IdleTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Relay.HeartbeatInterval >= c.Relay.StaleThreshold {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be shorter than STALE_THRESHOLD (%s)",
			c.Relay.HeartbeatInterval, c.Relay.StaleThreshold)
	}
	if c.Fallback.MailboxSize <= 0 {
		return fmt.Errorf("FALLBACK_MAILBOX_SIZE must be positive, got %d", c.Fallback.MailboxSize)
	}
	return nil
}

// Addr returns the Redis address in host:port form.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
