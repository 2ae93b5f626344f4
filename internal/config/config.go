// Package config loads the daemon configuration from environment variables
// (UNLOCKD_ prefix) merged with an optional YAML file. Environment values
// take precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Throttle  ThrottleConfig  `yaml:"throttle" envconfig:"THROTTLE"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// LicensingConfig identifies the product and the licensing server
type LicensingConfig struct {
	ProductID     string        `yaml:"product_id" envconfig:"PRODUCT_ID"`
	PublicKeyPath string        `yaml:"public_key_path" envconfig:"PUBLIC_KEY_PATH"`
	ServerURL     string        `yaml:"server_url" envconfig:"SERVER_URL"`
	WebsiteName   string        `yaml:"website_name" envconfig:"WEBSITE_NAME"`
	StateFile     string        `yaml:"state_file" envconfig:"STATE_FILE"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" envconfig:"FETCH_TIMEOUT"`
	Version       string        `yaml:"version" envconfig:"VERSION"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// ThrottleConfig contains activation rate limiting configuration. Enabled is
// a pointer so an explicit false (env or file) survives defaulting; after
// Load it is never nil.
type ThrottleConfig struct {
	Enabled *bool   `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// Load loads configuration from environment variables and the optional
// config file (UNLOCKD_CONFIG, or ./unlockd.yml).
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("UNLOCKD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func configFilePath() string {
	if path := os.Getenv("UNLOCKD_CONFIG"); path != "" {
		return path
	}
	return "unlockd.yml"
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence).
// Defaults are not applied until after the merge, so a zero field here means
// the environment did not set it.
func mergeConfigs(fileCfg, envCfg Config) Config {
	if envCfg.Server.Addr == "" {
		envCfg.Server.Addr = fileCfg.Server.Addr
	}
	if envCfg.Server.ReadTimeout == 0 {
		envCfg.Server.ReadTimeout = fileCfg.Server.ReadTimeout
	}
	if envCfg.Server.WriteTimeout == 0 {
		envCfg.Server.WriteTimeout = fileCfg.Server.WriteTimeout
	}
	if envCfg.Server.IdleTimeout == 0 {
		envCfg.Server.IdleTimeout = fileCfg.Server.IdleTimeout
	}
	if envCfg.Server.ShutdownTimeout == 0 {
		envCfg.Server.ShutdownTimeout = fileCfg.Server.ShutdownTimeout
	}
	if envCfg.Licensing.ProductID == "" {
		envCfg.Licensing.ProductID = fileCfg.Licensing.ProductID
	}
	if envCfg.Licensing.PublicKeyPath == "" {
		envCfg.Licensing.PublicKeyPath = fileCfg.Licensing.PublicKeyPath
	}
	if envCfg.Licensing.ServerURL == "" {
		envCfg.Licensing.ServerURL = fileCfg.Licensing.ServerURL
	}
	if envCfg.Licensing.WebsiteName == "" {
		envCfg.Licensing.WebsiteName = fileCfg.Licensing.WebsiteName
	}
	if envCfg.Licensing.StateFile == "" {
		envCfg.Licensing.StateFile = fileCfg.Licensing.StateFile
	}
	if envCfg.Licensing.FetchTimeout == 0 {
		envCfg.Licensing.FetchTimeout = fileCfg.Licensing.FetchTimeout
	}
	if envCfg.Licensing.Version == "" {
		envCfg.Licensing.Version = fileCfg.Licensing.Version
	}
	if envCfg.Logging.Level == "" {
		envCfg.Logging.Level = fileCfg.Logging.Level
	}
	if envCfg.Logging.Output == "" {
		envCfg.Logging.Output = fileCfg.Logging.Output
	}
	if envCfg.Logging.FilePath == "" {
		envCfg.Logging.FilePath = fileCfg.Logging.FilePath
	}
	if envCfg.Throttle.Enabled == nil {
		envCfg.Throttle.Enabled = fileCfg.Throttle.Enabled
	}
	if envCfg.Throttle.RPS == 0 {
		envCfg.Throttle.RPS = fileCfg.Throttle.RPS
	}
	if envCfg.Throttle.Burst == 0 {
		envCfg.Throttle.Burst = fileCfg.Throttle.Burst
	}
	return envCfg
}

// applyDefaults fills every field neither the environment nor the file set.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8412"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Licensing.PublicKeyPath == "" {
		c.Licensing.PublicKeyPath = "product_public_key.pem"
	}
	if c.Licensing.StateFile == "" {
		c.Licensing.StateFile = "license.dat"
	}
	if c.Licensing.FetchTimeout == 0 {
		c.Licensing.FetchTimeout = 30 * time.Second
	}
	if c.Licensing.Version == "" {
		c.Licensing.Version = "dev"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "console"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/unlockd.log"
	}
	if c.Throttle.Enabled == nil {
		enabled := true
		c.Throttle.Enabled = &enabled
	}
	if c.Throttle.RPS == 0 {
		c.Throttle.RPS = 0.2
	}
	if c.Throttle.Burst == 0 {
		c.Throttle.Burst = 5
	}
}

// validate checks that required configuration values are present and sane
func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Licensing.ProductID == "" {
		return fmt.Errorf("licensing.product_id is required")
	}
	if c.Licensing.PublicKeyPath == "" {
		return fmt.Errorf("licensing.public_key_path is required")
	}
	if c.Licensing.StateFile == "" {
		return fmt.Errorf("licensing.state_file is required")
	}
	if *c.Throttle.Enabled {
		if c.Throttle.RPS <= 0 {
			return fmt.Errorf("throttle.rps must be positive when throttling is enabled")
		}
		if c.Throttle.Burst <= 0 {
			return fmt.Errorf("throttle.burst must be positive when throttling is enabled")
		}
	}
	return nil
}
