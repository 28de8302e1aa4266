// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	DB          DBConfig          `mapstructure:"db"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Reclaimer   ReclaimerConfig   `mapstructure:"reclaimer"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Seed        SeedConfig        `mapstructure:"seed"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// DBConfig controls the Postgres connection pool.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SchedulerConfig tunes dispatch cadences.
type SchedulerConfig struct {
	// RerunInterval re-dispatches a completed hero account every Nth task.
	RerunInterval int64 `mapstructure:"rerun_interval"`
	// DiscoveryRerunInterval forces a discovery dispatch every Nth task.
	DiscoveryRerunInterval int64 `mapstructure:"discovery_rerun_interval"`
	// CleanupInterval bounds the dispatch-path stale sweep.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ReclaimerConfig governs the stale-assignment sweep.
type ReclaimerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// LeaderboardConfig bounds the top-N cache.
type LeaderboardConfig struct {
	Size            int           `mapstructure:"size"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// SeedConfig controls frontier bootstrap.
type SeedConfig struct {
	// InitialAccountID is inserted at depth 0 during schema bootstrap so a
	// fresh database has a crawl root. 0 disables.
	InitialAccountID int64 `mapstructure:"initial_account_id"`
}

// PubSubConfig holds metadata for frontier-event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HEROCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	// Registered empty so AutomaticEnv can populate it without a file.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 16)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("scheduler.rerun_interval", 10)
	v.SetDefault("scheduler.discovery_rerun_interval", 100)
	v.SetDefault("scheduler.cleanup_interval", time.Minute)
	v.SetDefault("reclaimer.sweep_interval", time.Minute)
	v.SetDefault("reclaimer.max_age", 10*time.Minute)
	v.SetDefault("leaderboard.size", 100)
	v.SetDefault("leaderboard.refresh_interval", 12*time.Hour)
	v.SetDefault("seed.initial_account_id", 293053907)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Scheduler.RerunInterval < 0 || c.Scheduler.DiscoveryRerunInterval < 0 {
		return fmt.Errorf("scheduler intervals must be >= 0")
	}
	if c.Reclaimer.SweepInterval <= 0 {
		return fmt.Errorf("reclaimer.sweep_interval must be > 0")
	}
	if c.Reclaimer.MaxAge <= 0 {
		return fmt.Errorf("reclaimer.max_age must be > 0")
	}
	if c.Leaderboard.Size <= 0 {
		return fmt.Errorf("leaderboard.size must be > 0")
	}
	if c.Leaderboard.RefreshInterval <= 0 {
		return fmt.Errorf("leaderboard.refresh_interval must be > 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// ServerTimeout converts the HTTP timeout config into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
