package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	Buffer    BufferConfig    `mapstructure:"buffer" yaml:"buffer"`
	Integrity IntegrityConfig `mapstructure:"integrity" yaml:"integrity"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`

	Port string `mapstructure:"port" yaml:"port"`
}

type DownloadConfig struct {
	OutDir      string `mapstructure:"out_dir" yaml:"out_dir"`
	WorkDir     string `mapstructure:"work_dir" yaml:"work_dir"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
	// GlobalConcurrency caps workers across all running tasks.
	GlobalConcurrency int  `mapstructure:"global_concurrency" yaml:"global_concurrency"`
	MaxRetries        int  `mapstructure:"max_retries" yaml:"max_retries"`
	BestEffort        bool `mapstructure:"best_effort" yaml:"best_effort"`
}

type NetworkConfig struct {
	MaxPerHost      int           `mapstructure:"max_per_host" yaml:"max_per_host"`
	MaxTotal        int           `mapstructure:"max_total" yaml:"max_total"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MinTimeout      time.Duration `mapstructure:"min_timeout" yaml:"min_timeout"`
	MaxTimeout      time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
	TimeoutMultiple float64       `mapstructure:"timeout_multiple" yaml:"timeout_multiple"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	// HostWait bounds how long a task sits in "waiting for host recovery"
	// before it is failed outright.
	HostWait time.Duration `mapstructure:"host_wait" yaml:"host_wait"`
}

type BufferConfig struct {
	DefaultSize   int     `mapstructure:"default_size" yaml:"default_size"`
	MaxSize       int     `mapstructure:"max_size" yaml:"max_size"`
	PressureSoft  float64 `mapstructure:"pressure_soft" yaml:"pressure_soft"`
	PressureHard  float64 `mapstructure:"pressure_hard" yaml:"pressure_hard"`
	MemoryCeiling uint64  `mapstructure:"memory_ceiling" yaml:"memory_ceiling"`
}

type IntegrityConfig struct {
	// SampleRate of N verifies every Nth segment; 0 disables sampling.
	SampleRate int `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
}

func Load(path string) (*Config, error) {

	if path == "" {
		path = "config.yaml"
	}

	v := viper.New()

	// Set Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.work_dir", "./downloads/.work")
	v.SetDefault("download.concurrency", 8)
	v.SetDefault("download.global_concurrency", 32)
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.best_effort", false)
	v.SetDefault("network.max_per_host", 6)
	v.SetDefault("network.max_total", 24)
	v.SetDefault("network.idle_timeout", "90s")
	v.SetDefault("network.sweep_interval", "30s")
	v.SetDefault("network.min_timeout", "2s")
	v.SetDefault("network.max_timeout", "60s")
	v.SetDefault("network.timeout_multiple", 3.0)
	v.SetDefault("network.user_agent", "hlsget/1.0")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("breaker.probe_interval", "2s")
	v.SetDefault("breaker.host_wait", "5m")
	v.SetDefault("buffer.default_size", 256*1024)
	v.SetDefault("buffer.max_size", 4*1024*1024)
	v.SetDefault("buffer.pressure_soft", 0.7)
	v.SetDefault("buffer.pressure_hard", 0.9)
	v.SetDefault("buffer.memory_ceiling", uint64(512*1024*1024))
	v.SetDefault("integrity.sample_rate", 0)
	v.SetDefault("log.path", "hlsget.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./hlsget.db")

	// The config file is optional; defaults cover local use
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if path != "config.yaml" {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Support Environment Variables
	v.SetEnvPrefix("HLSGET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Download.Concurrency <= 0 {
		c.Download.Concurrency = 8
	}

	if c.Download.GlobalConcurrency < c.Download.Concurrency {
		c.Download.GlobalConcurrency = c.Download.Concurrency
	}

	if c.Download.MaxRetries < 0 {
		return errors.New("download.max_retries cannot be negative")
	}

	if c.Network.MaxPerHost <= 0 {
		c.Network.MaxPerHost = 6
	}

	if c.Network.MaxTotal < c.Network.MaxPerHost {
		c.Network.MaxTotal = c.Network.MaxPerHost
	}

	if c.Network.MinTimeout <= 0 || c.Network.MaxTimeout < c.Network.MinTimeout {
		return fmt.Errorf("network timeouts misconfigured: min=%s max=%s",
			c.Network.MinTimeout, c.Network.MaxTimeout)
	}

	if c.Network.TimeoutMultiple < 1 {
		c.Network.TimeoutMultiple = 3.0
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}

	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}

	if c.Buffer.MaxSize < c.Buffer.DefaultSize {
		return fmt.Errorf("buffer.max_size (%d) smaller than buffer.default_size (%d)",
			c.Buffer.MaxSize, c.Buffer.DefaultSize)
	}

	if c.Buffer.PressureHard < c.Buffer.PressureSoft {
		return errors.New("buffer.pressure_hard must be >= buffer.pressure_soft")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			c.Store.SQLitePath = "./hlsget.db"
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}

	return nil
}
