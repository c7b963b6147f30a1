package config

import "time"

type Config struct {
	// Stripe API
	ProviderAddr    string        `mapstructure:"provider_addr"`
	ProviderKey     string        `mapstructure:"provider_key"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	ProviderRetries int           `mapstructure:"provider_retries"`

	// Таймаут на каждое обращение к хранилищу или провайдеру
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	// Файл политики причина -> регион; пусто - встроенная таблица
	PolicyFile string `mapstructure:"policy_file"`

	// Комиссия процессора, по которой донор может покрыть расходы
	FeeRateBasisPoints int64 `mapstructure:"fee_rate_bps"`
	FeeFixedCents      int64 `mapstructure:"fee_fixed_cents"`
}
