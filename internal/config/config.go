package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	handlerConfig "github.com/iurnickita/donationledger/internal/handler/config"
	loggerConfig "github.com/iurnickita/donationledger/internal/logger/config"
	notifyConfig "github.com/iurnickita/donationledger/internal/notify/config"
	serviceConfig "github.com/iurnickita/donationledger/internal/service/config"
	storeConfig "github.com/iurnickita/donationledger/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config `mapstructure:"http"`
	Service serviceConfig.Config `mapstructure:"service"`
	Store   storeConfig.Config   `mapstructure:"store"`
	Logger  loggerConfig.Config  `mapstructure:"log"`
	Notify  notifyConfig.Config  `mapstructure:"notify"`
}

const EnvPrefix = "DONATIONLEDGER"

// Значения по умолчанию. Ключ должен быть здесь, иначе переменная окружения
// DONATIONLEDGER_<РАЗДЕЛ>_<КЛЮЧ> не попадет в Unmarshal.
var defaults = map[string]any{
	"http.addr":              ":8080",
	"http.shutdown_timeout":  15 * time.Second,
	"http.retry_after":       5 * time.Second,
	"http.token_secret":      "",
	"http.token_ttl":         12 * time.Hour,
	"http.webhook_secret":    "",
	"http.webhook_tolerance": 5 * time.Minute,

	"service.provider_addr":     "https://api.stripe.com",
	"service.provider_key":      "",
	"service.provider_timeout":  10 * time.Second,
	"service.provider_retries":  2,
	"service.operation_timeout": 10 * time.Second,
	"service.policy_file":       "",
	"service.fee_rate_bps":      290,
	"service.fee_fixed_cents":   30,

	"store.dsn":             "",
	"store.max_open_conns":  10,
	"store.connect_timeout": 10 * time.Second,

	"log.level": "info",

	"notify.queue_size":      256,
	"notify.workers":         2,
	"notify.attempt_timeout": 30 * time.Second,
	"notify.relay_addr":      "",
	"notify.relay_token":     "",
	"notify.relay_timeout":   10 * time.Second,
	"notify.relay_retries":   3,
	"notify.archive_bucket":  "",
	"notify.archive_region":  "",
	"notify.archive_prefix":  "receipts",
}

// NewViper: умолчания, затем окружение. Флаги командной строки привязывает
// вызывающий через BindPFlag.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// GetConfig читает необязательный YAML-файл и собирает итоговую конфигурацию.
func GetConfig(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
