package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store       StoreConfig               `yaml:"store"`
	Checkpoints CheckpointConfig          `yaml:"checkpoints"`
	NATS        NATSConfig                `yaml:"nats"`
	Sessions    SessionsConfig            `yaml:"sessions"`
	Lifecycle   LifecycleConfig           `yaml:"lifecycle"`
	Templates   map[string]TemplateConfig `yaml:"templates"`
	Log         LogConfig                 `yaml:"log"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// CheckpointConfig selects where session summaries and checkpoints are
// persisted. Backend "sqlite" shares the store database; "file" writes one
// file per checkpoint under Dir.
type CheckpointConfig struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	Compress   bool   `yaml:"compress"`
	Passphrase string `yaml:"passphrase"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// SessionsConfig holds the defaults merged under every session's own config.
type SessionsConfig struct {
	MaxAgents          int           `yaml:"max_agents"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointSchedule string        `yaml:"checkpoint_schedule"`
	AutoCheckpoint     bool          `yaml:"auto_checkpoint"`
	PersistToDisk      bool          `yaml:"persist_to_disk"`
	MaxCheckpoints     int           `yaml:"max_checkpoints"`
	Timeout            time.Duration `yaml:"timeout"`
	EvictAfter         time.Duration `yaml:"evict_after"`
	ReapInterval       time.Duration `yaml:"reap_interval"`
}

type LifecycleConfig struct {
	HealthCheckInterval   time.Duration    `yaml:"health_check_interval"`
	SweepInterval         time.Duration    `yaml:"sweep_interval"`
	LearningDrainInterval time.Duration    `yaml:"learning_drain_interval"`
	CompactionInterval    time.Duration    `yaml:"compaction_interval"`
	RestartGrace          time.Duration    `yaml:"restart_grace"`
	PerformanceHistory    int              `yaml:"performance_history"`
	CompactTo             int              `yaml:"compact_to"`
	Thresholds            HealthThresholds `yaml:"thresholds"`
}

// HealthThresholds are fractions (0..1) except for the durations.
type HealthThresholds struct {
	ErrorRate            float64       `yaml:"error_rate"`
	CriticalErrorRate    float64       `yaml:"critical_error_rate"`
	Memory               float64       `yaml:"memory"`
	CriticalMemory       float64       `yaml:"critical_memory"`
	CPU                  float64       `yaml:"cpu"`
	CriticalCPU          float64       `yaml:"critical_cpu"`
	ResponseTime         time.Duration `yaml:"response_time"`
	CriticalResponseTime time.Duration `yaml:"critical_response_time"`
	Inactivity           time.Duration `yaml:"inactivity"`
}

// TemplateConfig overrides the builtin template of one agent type.
type TemplateConfig struct {
	Description        string               `yaml:"description"`
	Capabilities       []string             `yaml:"capabilities"`
	MaxConcurrentTasks int                  `yaml:"max_concurrent_tasks"`
	ResourceLimits     ResourceLimitsConfig `yaml:"resource_limits"`
}

type ResourceLimitsConfig struct {
	MaxMemoryMB      int           `yaml:"max_memory_mb"`
	MaxCPUTime       time.Duration `yaml:"max_cpu_time"`
	MaxDiskMB        int           `yaml:"max_disk_mb"`
	MaxNetworkKBps   int           `yaml:"max_network_kbps"`
	MaxFileHandles   int           `yaml:"max_file_handles"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/hive.db",
		},
		Checkpoints: CheckpointConfig{
			Backend: "sqlite",
			Dir:     "data/checkpoints",
		},
		NATS: NATSConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    4222,
			DataDir: "data/nats",
		},
		Sessions: SessionsConfig{
			MaxAgents:          10,
			MaxConcurrentTasks: 5,
			CheckpointInterval: 5 * time.Minute,
			AutoCheckpoint:     true,
			PersistToDisk:      true,
			MaxCheckpoints:     10,
			EvictAfter:         time.Hour,
			ReapInterval:       time.Minute,
		},
		Lifecycle: LifecycleConfig{
			HealthCheckInterval:   30 * time.Second,
			SweepInterval:         60 * time.Second,
			LearningDrainInterval: 5 * time.Second,
			CompactionInterval:    30 * time.Second,
			RestartGrace:          5 * time.Second,
			PerformanceHistory:    100,
			CompactTo:             10,
			Thresholds:            DefaultThresholds(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultThresholds returns the health escalation thresholds used when the
// config file does not set them.
func DefaultThresholds() HealthThresholds {
	return HealthThresholds{
		ErrorRate:            0.05,
		CriticalErrorRate:    0.15,
		Memory:               0.80,
		CriticalMemory:       0.90,
		CPU:                  0.70,
		CriticalCPU:          0.90,
		ResponseTime:         5 * time.Second,
		CriticalResponseTime: 15 * time.Second,
		Inactivity:           time.Hour,
	}
}

// Defaults returns the built-in configuration without reading any file.
func Defaults() *Config {
	cfg := defaults()
	return &cfg
}

func Load() (*Config, error) {
	path := os.Getenv("HIVE_CONFIG")
	if path == "" {
		path = "config/hive.yaml"
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVE_NATS_HOST"); v != "" {
		cfg.NATS.Host = v
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoints.Dir = v
	}
	if v := os.Getenv("HIVE_VAULT_PASSPHRASE"); v != "" {
		cfg.Checkpoints.Passphrase = v
	}
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) validate() error {
	switch c.Checkpoints.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("invalid checkpoints.backend %q (want sqlite or file)", c.Checkpoints.Backend)
	}
	if c.Sessions.MaxAgents <= 0 {
		return fmt.Errorf("sessions.max_agents must be positive")
	}
	if c.Lifecycle.HealthCheckInterval <= 0 || c.Lifecycle.SweepInterval <= 0 ||
		c.Lifecycle.LearningDrainInterval <= 0 || c.Lifecycle.CompactionInterval <= 0 {
		return fmt.Errorf("lifecycle intervals must be positive")
	}
	return nil
}
