// Package config provides client core configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds client core configuration values loaded from file or
// environment variables.
type Config struct {
	ServerURL  string `mapstructure:"SERVER_URL"` // websocket endpoint, ws:// or wss://
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	Env        string `mapstructure:"APP_ENV"`

	ReconnectAttempts int           `mapstructure:"RECONNECT_ATTEMPTS"`
	ReconnectDelay    time.Duration `mapstructure:"RECONNECT_DELAY"`
	ReconnectMaxDelay time.Duration `mapstructure:"RECONNECT_MAX_DELAY"`

	TypingIdleWindow   time.Duration `mapstructure:"TYPING_IDLE_WINDOW"`
	TypingExpiryWindow time.Duration `mapstructure:"TYPING_EXPIRY_WINDOW"`

	PendingSendTimeout  time.Duration `mapstructure:"PENDING_SEND_TIMEOUT"`
	DeleteReconcileWait time.Duration `mapstructure:"DELETE_RECONCILE_WAIT"`
	ReadReconcileWait   time.Duration `mapstructure:"READ_RECONCILE_WAIT"`

	CallRingTimeout time.Duration `mapstructure:"CALL_RING_TIMEOUT"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	SamplerRatio    float64 `mapstructure:"TRACING_SAMPLER_RATIO"`

	// Broker-side settings, used by the devbroker binary only.
	BrokerPort string `mapstructure:"BROKER_PORT"`
	JWTSecret  string `mapstructure:"JWT_SECRET"`
	RedisURL   string `mapstructure:"REDIS_URL"`
	SeedUsers  int    `mapstructure:"SEED_USERS"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config
	// We intentionally ignore this error as the config file may not exist yet
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("SERVER_URL", "ws://localhost:8375/ws")
	viper.SetDefault("API_BASE_URL", "http://localhost:8375/api")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("RECONNECT_ATTEMPTS", 5)
	viper.SetDefault("RECONNECT_DELAY", "1s")
	viper.SetDefault("RECONNECT_MAX_DELAY", "10s")
	viper.SetDefault("TYPING_IDLE_WINDOW", "1s")
	viper.SetDefault("TYPING_EXPIRY_WINDOW", "5s")
	viper.SetDefault("PENDING_SEND_TIMEOUT", "10s")
	viper.SetDefault("DELETE_RECONCILE_WAIT", "500ms")
	viper.SetDefault("READ_RECONCILE_WAIT", "1s")
	viper.SetDefault("CALL_RING_TIMEOUT", "30s")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
	viper.SetDefault("BROKER_PORT", "8375")
	viper.SetDefault("JWT_SECRET", "chatkit-dev-secret")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("SEED_USERS", 4)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate ensures that required configuration values are present and sane.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("SERVER_URL is required")
	}
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	if c.ReconnectAttempts < 0 {
		return errors.New("RECONNECT_ATTEMPTS must not be negative")
	}
	if c.TypingIdleWindow <= 0 {
		return errors.New("TYPING_IDLE_WINDOW must be positive")
	}
	if c.TypingExpiryWindow < c.TypingIdleWindow {
		return errors.New("TYPING_EXPIRY_WINDOW must not be shorter than TYPING_IDLE_WINDOW")
	}
	if c.CallRingTimeout <= 0 {
		return errors.New("CALL_RING_TIMEOUT must be positive")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}
