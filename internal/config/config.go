// Package config handles loading, defaulting, and hot-reloading pagemill
// configuration from ~/.pagemill/config.yaml and PAGEMILL_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Config is the full pagemill configuration.
type Config struct {
	Home      string          `mapstructure:"home" yaml:"home"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	OCR       OCRConfig       `mapstructure:"ocr" yaml:"ocr"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Render    RenderConfig    `mapstructure:"render" yaml:"render"`
	Container ContainerConfig `mapstructure:"container" yaml:"container"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// OCRConfig configures the recognition service client.
type OCRConfig struct {
	Endpoint             string `mapstructure:"endpoint" yaml:"endpoint"`
	Transport            string `mapstructure:"transport" yaml:"transport"` // native or chat
	Model                string `mapstructure:"model" yaml:"model"`
	PromptType           string `mapstructure:"prompt_type" yaml:"prompt_type"`
	Grounding            bool   `mapstructure:"grounding" yaml:"grounding"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	RetryIntervalSeconds int    `mapstructure:"retry_interval_seconds" yaml:"retry_interval_seconds"`
	MaxTokens            int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// Timeout returns the per-request timeout.
func (c OCRConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryInterval returns the fixed wait between backpressure retries.
func (c OCRConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// HealthConfig configures the service capacity monitor.
type HealthConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	BusyThreshold       int `mapstructure:"busy_threshold" yaml:"busy_threshold"`
	FullThreshold       int `mapstructure:"full_threshold" yaml:"full_threshold"`
}

// PollInterval returns the health polling interval.
func (c HealthConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	QueueSize   int  `mapstructure:"queue_size" yaml:"queue_size"`
	AutoAdvance bool `mapstructure:"auto_advance" yaml:"auto_advance"`
}

// RenderConfig configures page rasterization.
type RenderConfig struct {
	DPI int `mapstructure:"dpi" yaml:"dpi"`
}

// ContainerConfig configures the managed OCR service container.
type ContainerConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Image string `mapstructure:"image" yaml:"image"`
	Port  string `mapstructure:"port" yaml:"port"`
	GPU   bool   `mapstructure:"gpu" yaml:"gpu"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("home", defaults.Home)
	viper.SetDefault("log", defaults.Log)
	viper.SetDefault("ocr", defaults.OCR)
	viper.SetDefault("health", defaults.Health)
	viper.SetDefault("pipeline", defaults.Pipeline)
	viper.SetDefault("render", defaults.Render)
	viper.SetDefault("container", defaults.Container)
	viper.SetDefault("server", defaults.Server)

	// Environment variables with PAGEMILL_ prefix
	viper.SetEnvPrefix("PAGEMILL")
	viper.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pagemill")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# pagemill configuration
# Values may also be set via PAGEMILL_* environment variables.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
