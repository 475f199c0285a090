package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "PUSHIT"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "pushit.db"
	defaultLogLevel         = "info"
	defaultHeartbeatSeconds = 3
	defaultLivenessSeconds  = 10
	defaultHoldSeconds      = 3
	defaultReapSeconds      = 5
	defaultArchiveSeconds   = 60
	defaultRetentionDays    = 30
	defaultRateCapacity     = 20
	defaultRateRefillPerSec = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string

	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	HoldDuration      time.Duration
	ReapInterval      time.Duration
	ArchiveInterval   time.Duration
	StaleRetention    time.Duration

	RedisAddress     string
	RateCapacity     int
	RateRefillPerSec int

	AMQPURL string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("hold.heartbeat_interval_s", defaultHeartbeatSeconds)
	configViper.SetDefault("hold.liveness_timeout_s", defaultLivenessSeconds)
	configViper.SetDefault("hold.duration_s", defaultHoldSeconds)
	configViper.SetDefault("sweep.reap_interval_s", defaultReapSeconds)
	configViper.SetDefault("sweep.archive_interval_s", defaultArchiveSeconds)
	configViper.SetDefault("sweep.stale_retention_days", defaultRetentionDays)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("ratelimit.capacity", defaultRateCapacity)
	configViper.SetDefault("ratelimit.refill_per_second", defaultRateRefillPerSec)
	configViper.SetDefault("amqp.url", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		HeartbeatInterval: time.Duration(configViper.GetInt("hold.heartbeat_interval_s")) * time.Second,
		LivenessTimeout:   time.Duration(configViper.GetInt("hold.liveness_timeout_s")) * time.Second,
		HoldDuration:      time.Duration(configViper.GetInt("hold.duration_s")) * time.Second,
		ReapInterval:      time.Duration(configViper.GetInt("sweep.reap_interval_s")) * time.Second,
		ArchiveInterval:   time.Duration(configViper.GetInt("sweep.archive_interval_s")) * time.Second,
		StaleRetention:    time.Duration(configViper.GetInt("sweep.stale_retention_days")) * 24 * time.Hour,
		RedisAddress:      configViper.GetString("redis.address"),
		RateCapacity:      configViper.GetInt("ratelimit.capacity"),
		RateRefillPerSec:  configViper.GetInt("ratelimit.refill_per_second"),
		AMQPURL:           configViper.GetString("amqp.url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HeartbeatInterval <= 0 || c.LivenessTimeout <= 0 || c.HoldDuration <= 0 {
		return fmt.Errorf("hold intervals must be positive")
	}
	if c.LivenessTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("hold.liveness_timeout_s must cover at least two heartbeat intervals")
	}
	if c.ReapInterval <= 0 || c.ReapInterval >= c.LivenessTimeout {
		return fmt.Errorf("sweep.reap_interval_s must be positive and shorter than the liveness timeout")
	}
	if c.ArchiveInterval <= 0 {
		return fmt.Errorf("sweep.archive_interval_s must be positive")
	}
	if c.StaleRetention <= 0 {
		return fmt.Errorf("sweep.stale_retention_days must be positive")
	}
	return nil
}
