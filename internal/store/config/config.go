package config

import "time"

type Config struct {
	// Пустой DSN - хранилище в памяти процесса
	DBDsn          string        `mapstructure:"dsn"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}
