package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := GetConfig(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Handler.ServerAddr)
	assert.Equal(t, 5*time.Minute, cfg.Handler.WebhookTolerance)
	assert.Equal(t, int64(290), cfg.Service.FeeRateBasisPoints)
	assert.Equal(t, 10*time.Second, cfg.Service.OperationTimeout)
	assert.Empty(t, cfg.Store.DBDsn)
	assert.Equal(t, "info", cfg.Logger.LogLevel)
	assert.Equal(t, "receipts", cfg.Notify.ArchivePrefix)
}

func TestFileThenEnvironment(t *testing.T) {
	file := filepath.Join(t.TempDir(), "donationledger.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
http:
  addr: ":9090"
  token_ttl: 1h
store:
  dsn: postgres://file
notify:
  workers: 4
`), 0o600))

	t.Setenv("DONATIONLEDGER_STORE_DSN", "postgres://env")
	t.Setenv("DONATIONLEDGER_SERVICE_OPERATION_TIMEOUT", "3s")

	cfg, err := GetConfig(NewViper(), file)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Handler.ServerAddr)
	assert.Equal(t, time.Hour, cfg.Handler.TokenTTL)
	assert.Equal(t, "postgres://env", cfg.Store.DBDsn)
	assert.Equal(t, 3*time.Second, cfg.Service.OperationTimeout)
	assert.Equal(t, 4, cfg.Notify.Workers)
}

func TestMissingFile(t *testing.T) {
	_, err := GetConfig(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
