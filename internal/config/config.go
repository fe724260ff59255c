// Package config loads engine configuration from file, environment,
// and defaults, and supports hot reload of the conflict merge rules.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tidesync/tidesync/internal/conflict"
)

// Config is the full engine configuration tree. File keys are
// lowercase dotted paths (e.g. "queue.max_retries"); environment
// overrides use the TIDESYNC_ prefix with underscores
// (TIDESYNC_QUEUE_MAX_RETRIES).
type Config struct {
	Database DatabaseConfig  `mapstructure:"database"`
	Server   ServerConfig    `mapstructure:"server"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Queue    QueueConfig     `mapstructure:"queue"`
	Channel  ChannelConfig   `mapstructure:"channel"`
	Sync     SyncConfig      `mapstructure:"sync"`
	Dash     DashboardConfig `mapstructure:"dashboard"`
	Log      LogConfig       `mapstructure:"log"`
	Merge    MergeConfig     `mapstructure:"merge"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	BaseURL       string `mapstructure:"base_url"`
	AuthToken     string `mapstructure:"auth_token"`
	StrictCursors bool   `mapstructure:"strict_cursors"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	MaxSize            int           `mapstructure:"max_size"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryStrategy      string        `mapstructure:"retry_strategy"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryScanInterval  time.Duration `mapstructure:"retry_scan_interval"`
	ReclaimTimeout     time.Duration `mapstructure:"reclaim_timeout"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
}

type ChannelConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackfillLimit        int           `mapstructure:"backfill_limit"`
	BackfillTimeout      time.Duration `mapstructure:"backfill_timeout"`
	CursorMaxAge         time.Duration `mapstructure:"cursor_max_age"`
}

type SyncConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MergeConfig maps field names to merge policies. Policies: server_wins,
// client_wins, concat, union. This section is hot-reloadable.
type MergeConfig struct {
	Rules                map[string]string `mapstructure:"rules"`
	ConcatSeparator      string            `mapstructure:"concat_separator"`
	AdjustmentNamespaces []string          `mapstructure:"adjustment_namespaces"`
}

// Loader reads configuration and watches for changes.
type Loader struct {
	v *viper.Viper

	mu       sync.Mutex
	onChange []func(*Config)
}

// NewLoader builds a loader. path may be empty, in which case only
// defaults and environment variables apply.
func NewLoader(path string) *Loader {
	v := viper.New()

	v.SetDefault("database.path", ".tidesync/tidesync.db")
	v.SetDefault("server.addr", ":8094")
	v.SetDefault("server.base_url", "http://localhost:8094")
	v.SetDefault("server.strict_cursors", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.retry_strategy", "exponential")
	v.SetDefault("queue.retry_base", "2s")
	v.SetDefault("queue.retry_scan_interval", "5s")
	v.SetDefault("queue.reclaim_timeout", "2m")
	v.SetDefault("queue.completed_retention", "24h")
	v.SetDefault("queue.idempotency_ttl", "24h")
	v.SetDefault("channel.heartbeat_interval", "15s")
	v.SetDefault("channel.reconnect_base_delay", "1s")
	v.SetDefault("channel.max_reconnect_attempts", 5)
	v.SetDefault("channel.backfill_limit", 100)
	v.SetDefault("channel.backfill_timeout", "30s")
	v.SetDefault("channel.cursor_max_age", "1h")
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8095)
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("merge.concat_separator", " | ")
	v.SetDefault("merge.rules", map[string]string{
		"notes":   "concat",
		"comment": "concat",
		"tags":    "union",
		"labels":  "union",
	})
	v.SetDefault("merge.adjustment_namespaces", []string{
		"finance.transaction.",
		"finance.invoice.",
		"finance.payment.",
		"inventory.stock.",
		"inventory.adjustment.",
	})

	v.SetEnvPrefix("TIDESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}

	return &Loader{v: v}
}

// Load reads the configuration. A missing file is not an error; the
// defaults and environment stand in.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(l.v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file on change and invokes the callbacks
// registered via OnChange. Call after Load.
func (l *Loader) Watch() {
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.unmarshal()
		if err != nil {
			return
		}
		l.mu.Lock()
		callbacks := make([]func(*Config), len(l.onChange))
		copy(callbacks, l.onChange)
		l.mu.Unlock()
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	l.v.WatchConfig()
}

// OnChange registers a hot-reload callback.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// ConflictConfig translates the merge section into the conflict
// engine's policy form.
func (c *Config) ConflictConfig() *conflict.Config {
	sep := c.Merge.ConcatSeparator
	if sep == "" {
		sep = " | "
	}

	rules := make(map[string]conflict.MergeRule, len(c.Merge.Rules))
	for field, policy := range c.Merge.Rules {
		switch policy {
		case "client_wins":
			rules[field] = conflict.MergeRule{Policy: conflict.MergeClientWins}
		case "concat":
			rules[field] = conflict.MergeRule{
				Policy:  conflict.MergeCombine,
				Combine: conflict.ConcatStrings(sep),
			}
		case "union":
			rules[field] = conflict.MergeRule{
				Policy:  conflict.MergeCombine,
				Combine: conflict.UnionSets,
			}
		default:
			rules[field] = conflict.MergeRule{Policy: conflict.MergeServerWins}
		}
	}

	return &conflict.Config{
		MergeRules:           rules,
		AdjustmentNamespaces: c.Merge.AdjustmentNamespaces,
	}
}
