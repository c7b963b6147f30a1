package config

import "time"

type Config struct {
	ServerAddr      string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RetryAfter отдается клиенту вместе с 503
	RetryAfter       time.Duration `mapstructure:"retry_after"`
	TokenSecret      string        `mapstructure:"token_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
}
