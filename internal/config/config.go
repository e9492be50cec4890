package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all service configuration, loaded from environment
// variables (NOTIFYFLOW_ prefix) layered over an optional YAML file.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Email    EmailConfig    `mapstructure:"email"`
	Push     PushConfig     `mapstructure:"push"`
	LogLevel string         `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type BrokerConfig struct {
	Brokers           []string      `mapstructure:"brokers" validate:"required,min=1"`
	ReminderTopic     string        `mapstructure:"reminder_topic" validate:"required"`
	OutcomeTopic      string        `mapstructure:"outcome_topic" validate:"required"`
	GroupID           string        `mapstructure:"group_id" validate:"required"`
	RepublishInterval time.Duration `mapstructure:"republish_interval" validate:"min=1s"`
}

type DispatchConfig struct {
	Workers           int           `mapstructure:"workers" validate:"min=1"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"min=1ms"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap" validate:"min=1ms"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" validate:"min=1s"`
	// Lease is how long an uncommitted reservation blocks other workers.
	// Zero means 2x ProcessingTimeout.
	Lease time.Duration `mapstructure:"lease"`
}

type EmailConfig struct {
	From string `mapstructure:"from" validate:"required,email"`
	// SMTP fallback, used when the SES call fails with a
	// connectivity or auth error.
	SMTPAddr     string `mapstructure:"smtp_addr"`
	SMTPUser     string `mapstructure:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password"`
}

type PushConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"required,url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"min=1ms"`
}

// EffectiveLease resolves the reservation lease, defaulting to twice the
// per-event processing timeout.
func (c DispatchConfig) EffectiveLease() time.Duration {
	if c.Lease > 0 {
		return c.Lease
	}
	return 2 * c.ProcessingTimeout
}

// Load reads configuration from the optional file at path (empty means no
// file) and the environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.path", "notifyflow.db")
	v.SetDefault("broker.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.reminder_topic", "todo.reminders")
	v.SetDefault("broker.outcome_topic", "todo.notifications")
	v.SetDefault("broker.group_id", "notifyflow")
	v.SetDefault("broker.republish_interval", 30*time.Second)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff_base", time.Second)
	v.SetDefault("dispatch.backoff_cap", 30*time.Second)
	v.SetDefault("dispatch.processing_timeout", 30*time.Second)
	v.SetDefault("email.from", "reminders@example.com")
	v.SetDefault("push.endpoint", "https://push.example.com/v1/send")
	v.SetDefault("push.timeout", 5*time.Second)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("NOTIFYFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
