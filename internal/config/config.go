// Package config loads and hot-reloads the environment-tunables of §6:
// heartbeat interval/TTL, lease TTL, concurrency caps, analytics queue
// sizing, retention windows, and checkpoint retention. Grounded on the
// pack's viper+fsnotify configuration convention (cloudshipai-station,
// sarlalian-ritual) rather than the teacher's own getenv-per-call style,
// since the teacher has no central config layer to generalize from.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full set of tunables a flowguard node reads at startup and
// may hot-reload thereafter.
type Config struct {
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL          time.Duration `mapstructure:"heartbeat_ttl"`
	LeaseTTL              time.Duration `mapstructure:"lease_ttl"`
	GlobalConcurrency     int           `mapstructure:"global_concurrency"`
	PerWorkflowConcurrency int          `mapstructure:"per_workflow_concurrency"`
	AnalyticsQueueCapacity int          `mapstructure:"analytics_queue_capacity"`
	AnalyticsBatchSize     int          `mapstructure:"analytics_batch_size"`
	AnalyticsFlushInterval time.Duration `mapstructure:"analytics_flush_interval"`
	AnalyticsSampleRate    int          `mapstructure:"analytics_sample_rate"`
	RetentionDays          int          `mapstructure:"retention_days"`
	FailurePatternRetentionDays int     `mapstructure:"failure_pattern_retention_days"`
	CheckpointRetentionK   int          `mapstructure:"checkpoint_retention_k"`
	ShutdownGrace          time.Duration `mapstructure:"shutdown_grace"`
	MaxRedistributePerTick int          `mapstructure:"max_redistribute_per_tick"`
	NodeID                 string       `mapstructure:"node_id"`
	Priority               int          `mapstructure:"priority"`
	PersistenceDriver      string       `mapstructure:"persistence_driver"` // "bolt" | "postgres"
	BoltPath               string       `mapstructure:"bolt_path"`
	PostgresDSN            string       `mapstructure:"postgres_dsn"`
	CoordinationDriver     string       `mapstructure:"coordination_driver"` // "redis" | "nats"
	RedisAddr              string       `mapstructure:"redis_addr"`
	NatsURL                string       `mapstructure:"nats_url"`
	HTTPAddr               string       `mapstructure:"http_addr"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("heartbeat_ttl", 30*time.Second)
	v.SetDefault("lease_ttl", 30*time.Second)
	v.SetDefault("global_concurrency", 0) // 0 => runtime.NumCPU()*4
	v.SetDefault("per_workflow_concurrency", 8)
	v.SetDefault("analytics_queue_capacity", 10000)
	v.SetDefault("analytics_batch_size", 1000)
	v.SetDefault("analytics_flush_interval", 60*time.Second)
	v.SetDefault("analytics_sample_rate", 10)
	v.SetDefault("retention_days", 90)
	v.SetDefault("failure_pattern_retention_days", 30)
	v.SetDefault("checkpoint_retention_k", 5)
	v.SetDefault("shutdown_grace", 10*time.Second)
	v.SetDefault("max_redistribute_per_tick", 50)
	v.SetDefault("priority", 0)
	v.SetDefault("persistence_driver", "bolt")
	v.SetDefault("bolt_path", "./data")
	v.SetDefault("coordination_driver", "redis")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("nats_url", "127.0.0.1:4222")
	v.SetDefault("http_addr", ":8080")
}

// Loader owns a viper instance and the live Config snapshot, hot-reloaded
// via fsnotify when a config file is in use.
type Loader struct {
	v  *viper.Viper
	mu sync.RWMutex
	cu Config
}

// Load reads configuration from (in ascending priority) defaults, an
// optional config file, and FLOWGUARD_-prefixed environment variables.
func Load(configPath string) (*Loader, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("flowguard")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	l := &Loader{v: v}
	if err := v.Unmarshal(&l.cu); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if configPath != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			l.mu.Lock()
			defer l.mu.Unlock()
			var next Config
			if err := v.Unmarshal(&next); err == nil {
				l.cu = next
			}
		})
	}
	return l, nil
}

// Current returns the live configuration snapshot.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cu
}
