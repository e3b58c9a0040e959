package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/logging"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Store.ID)
	assert.Equal(t, 60*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 7, cfg.Sync.RetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.Sync.StaleAfter)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, []int{408, 429, 500, 502, 503, 504}, cfg.Breaker.FailureStatusCodes)
	assert.Equal(t, "127.0.0.1:8090", cfg.Status.Addr)
}

func TestLoad_yamlFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sync.yaml", `
store:
  id: store-42
database:
  dsn: postgres://sync:secret@db/lotterydesk
sync:
  interval: 2m
  batch_size: 25
breaker:
  failure_threshold: 3
cloud:
  base_url: https://cloud.example.com
  routes:
    pack: https://packs.example.com
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "store-42", cfg.Store.ID)
	assert.Equal(t, "postgres://sync:secret@db/lotterydesk", cfg.Database.DSN)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, map[string]string{"pack": "https://packs.example.com"}, cfg.Cloud.Routes)
	assert.Equal(t, logging.LevelDebug, cfg.LoggingOptions().Level)
}

func TestLoad_envOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sync.yaml", "sync:\n  batch_size: 25\n")
	t.Setenv("LOTTERYDESK_SYNC_BATCH_SIZE", "10")
	t.Setenv("LOTTERYDESK_STORE_ID", "store-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, "store-env", cfg.Store.ID)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestValidate_collectsProblems(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Database.DSN = ""
	cfg.Sync.BatchSize = 0
	cfg.Cloud.BaseURL = "ftp://cloud"
	cfg.Log.Level = "loud"

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
	for _, want := range []string{"database.dsn", "sync.batch_size", "cloud.base_url", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", "LOTTERYDESK_TEST_DOTENV=from-file\n")
	t.Setenv("LOTTERYDESK_TEST_DOTENV", "")
	os.Unsetenv("LOTTERYDESK_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("LOTTERYDESK_TEST_DOTENV"))
}

func TestWatch_reloadsOnChange(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sync.yaml", "sync:\n  interval: 30s\n")
	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 16)
	loader.Watch(func(cfg *Config) { changed <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 90s\n"), 0644))

	// A write can surface as several events, the first of them on a
	// truncated file.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Sync.Interval == 90*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
