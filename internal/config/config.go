// Package config loads sync settings from defaults, an optional config file
// and LOTTERYDESK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/sync/breaker"
)

// EnvPrefix is prepended to every environment override, e.g.
// LOTTERYDESK_SYNC_INTERVAL.
const EnvPrefix = "LOTTERYDESK"

// Config is the full runtime configuration.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Breaker  breaker.Config `mapstructure:"breaker"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Log      LogConfig      `mapstructure:"log"`
	Status   StatusConfig   `mapstructure:"status"`
}

type StoreConfig struct {
	// ID is empty until the terminal is bound to a store.
	ID string `mapstructure:"id"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetentionDays int           `mapstructure:"retention_days"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	Concurrency   int           `mapstructure:"concurrency"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
}

type CloudConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Routes sends an entity type to its own base URL, breaker and all.
	Routes map[string]string `mapstructure:"routes"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingOptions maps the log section onto logging.Options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Log.Level),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.id", "")
	v.SetDefault("database.dsn", "sqlite://./data/lotterydesk-sync.db")

	v.SetDefault("sync.interval", 60*time.Second)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.retention_days", 7)
	v.SetDefault("sync.stale_after", 30*time.Minute)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.run_timeout", 5*time.Minute)

	bc := breaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", bc.FailureThreshold)
	v.SetDefault("breaker.reset_timeout", bc.ResetTimeout)
	v.SetDefault("breaker.failure_window", bc.FailureWindow)
	v.SetDefault("breaker.success_threshold", bc.SuccessThreshold)
	v.SetDefault("breaker.failure_status_codes", bc.FailureStatusCodes)

	v.SetDefault("cloud.base_url", "")
	v.SetDefault("cloud.api_key", "")
	v.SetDefault("cloud.timeout", 30*time.Second)
	v.SetDefault("cloud.routes", map[string]string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", "127.0.0.1:8090")
}

// Loader owns a viper instance so the file can be re-read on change.
type Loader struct {
	v    *viper.Viper
	path string
	mu   stdsync.Mutex
}

// NewLoader prepares a loader. path may be empty to use defaults and the
// environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path}
}

// Load reads the config file (if any), applies env overrides and validates.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("failed to read config file %s", l.path), err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the new config each time the file changes. Invalid
// edits are logged and skipped. Without a config file Watch does nothing.
func (l *Loader) Watch(fn func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			logging.ErrorWithCode("ignoring invalid config change", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"file": e.Name,
			})
			return
		}
		logging.Info("config reloaded", map[string]interface{}{"file": e.Name})
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("failed to load %s", f), err)
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Database.DSN) != "", "database.dsn is required")
	check(c.Sync.Interval >= 0, "sync.interval must not be negative")
	check(c.Sync.BatchSize > 0, "sync.batch_size must be positive")
	check(c.Sync.MaxAttempts > 0, "sync.max_attempts must be positive")
	check(c.Sync.RetentionDays > 0, "sync.retention_days must be positive")
	check(c.Sync.StaleAfter > 0, "sync.stale_after must be positive")
	check(c.Sync.Concurrency > 0, "sync.concurrency must be positive")
	check(c.Sync.RunTimeout > 0, "sync.run_timeout must be positive")

	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(c.Breaker.SuccessThreshold > 0, "breaker.success_threshold must be positive")
	check(c.Breaker.ResetTimeout > 0, "breaker.reset_timeout must be positive")
	check(c.Breaker.FailureWindow > 0, "breaker.failure_window must be positive")

	if c.Cloud.BaseURL != "" {
		check(validURL(c.Cloud.BaseURL), "cloud.base_url %q is not an http(s) URL", c.Cloud.BaseURL)
	}
	for entity, base := range c.Cloud.Routes {
		check(strings.TrimSpace(entity) != "", "cloud.routes has an empty entity type")
		check(validURL(base), "cloud.routes.%s %q is not an http(s) URL", entity, base)
	}
	check(c.Cloud.Timeout > 0, "cloud.timeout must be positive")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if c.Status.Enabled {
		check(c.Status.Addr != "", "status.addr is required when status.enabled is set")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
