package config

import "time"

type Config struct {
	// Очередь и обработчики
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	// Почтовый шлюз; пустой адрес - квитанции только пишутся в лог
	RelayAddr    string        `mapstructure:"relay_addr"`
	RelayToken   string        `mapstructure:"relay_token"`
	RelayTimeout time.Duration `mapstructure:"relay_timeout"`
	RelayRetries int           `mapstructure:"relay_retries"`

	// Архив квитанций в S3; пустой bucket - архив выключен
	ArchiveBucket string `mapstructure:"archive_bucket"`
	ArchiveRegion string `mapstructure:"archive_region"`
	ArchivePrefix string `mapstructure:"archive_prefix"`
}
