package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"relay/internal/observability"
	"relay/internal/server/app"
)

// Config holds server configuration. Values come from defaults, an optional
// yaml config file and RELAY_* environment variables, in increasing
// precedence.
type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
	LogLevel       string   `mapstructure:"log_level" yaml:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Debug          bool     `mapstructure:"debug" yaml:"debug"`

	Replay  ReplayConfig                `mapstructure:"replay" yaml:"replay"`
	Queue   QueueConfig                 `mapstructure:"queue" yaml:"queue"`
	Tasks   TasksConfig                 `mapstructure:"tasks" yaml:"tasks"`
	Janitor JanitorConfig               `mapstructure:"janitor" yaml:"janitor"`
	Metrics observability.MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ReplayConfig bounds the per-session replay buffer.
type ReplayConfig struct {
	MaxMessages      int  `mapstructure:"max_messages" yaml:"max_messages"`
	MaxBytes         int  `mapstructure:"max_bytes" yaml:"max_bytes"`
	FlushOnSubscribe bool `mapstructure:"flush_on_subscribe" yaml:"flush_on_subscribe"`
}

// QueueConfig bounds each subscriber's outbound queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// TasksConfig controls terminal-task retention.
type TasksConfig struct {
	Retention   time.Duration `mapstructure:"retention" yaml:"retention"`
	MaxTerminal int           `mapstructure:"max_terminal" yaml:"max_terminal"`
}

// JanitorConfig controls the inactive-session sweep.
type JanitorConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// LoadConfig reads configuration. configFile may be empty, in which case only
// defaults and environment variables apply.
func LoadConfig(configFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("debug", false)
	v.SetDefault("replay.max_messages", 1000)
	v.SetDefault("replay.max_bytes", 5<<20)
	v.SetDefault("replay.flush_on_subscribe", true)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("tasks.retention", 5*time.Minute)
	v.SetDefault("tasks.max_terminal", 4096)
	v.SetDefault("janitor.interval", 30*time.Second)
	v.SetDefault("metrics.enabled", true)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// ReplayBufferConfig maps to the app-layer buffer settings.
func (c Config) ReplayBufferConfig() app.ReplayBufferConfig {
	return app.ReplayBufferConfig{
		MaxMessages: c.Replay.MaxMessages,
		MaxBytes:    c.Replay.MaxBytes,
	}
}

// HubConfig maps to the app-layer hub settings.
func (c Config) HubConfig() app.HubConfig {
	return app.HubConfig{
		QueueCapacity:     c.Queue.Capacity,
		ReplayOnSubscribe: c.Replay.FlushOnSubscribe,
		JanitorInterval:   c.Janitor.Interval,
	}
}

// TaskTrackerConfig maps to the app-layer tracker settings.
func (c Config) TaskTrackerConfig() app.TaskTrackerConfig {
	return app.TaskTrackerConfig{
		Retention:   c.Tasks.Retention,
		MaxTerminal: c.Tasks.MaxTerminal,
	}
}
