// Package config handles agent configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	ServerURL string `yaml:"server_url"` // ws:// or wss:// base URL of the server
	AgentKey  string `yaml:"agent_key"`  // Agent secret key

	// Reported in agentInfo; Port is also where the local API listens
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Modules
	AndroidEnabled bool   `yaml:"android_enabled"`
	IOSEnabled     bool   `yaml:"ios_enabled"`
	ADBPath        string `yaml:"adb_path"`
	SIBPath        string `yaml:"sib_path"`
	HubURL         string `yaml:"hub_url"` // Empty means no hub

	// Behavior
	ReconnectInterval    time.Duration `yaml:"-"`
	ReconnectIntervalRaw string        `yaml:"reconnect_interval"`
	LogLevel             string        `yaml:"log_level"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Host:              hostname,
		Port:              7777,
		AndroidEnabled:    true,
		ADBPath:           "adb",
		SIBPath:           "sib",
		ReconnectInterval: 10 * time.Second,
		LogLevel:          "info",
	}
}

// LoadFile overlays a YAML file onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.ReconnectIntervalRaw != "" {
		cfg.ReconnectInterval, err = time.ParseDuration(cfg.ReconnectIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_interval %q: %w", cfg.ReconnectIntervalRaw, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from FARM_AGENT_CONFIG (if set) and
// environment variables, then validates it.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("FARM_AGENT_CONFIG"); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("FARM_AGENT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("FARM_AGENT_KEY"); v != "" {
		cfg.AgentKey = v
	}
	if v := os.Getenv("FARM_AGENT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("FARM_AGENT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("FARM_AGENT_PORT must be a number")
		}
		cfg.Port = port
	}

	var err error
	if cfg.AndroidEnabled, err = envBool("FARM_AGENT_ANDROID", cfg.AndroidEnabled); err != nil {
		return nil, err
	}
	if cfg.IOSEnabled, err = envBool("FARM_AGENT_IOS", cfg.IOSEnabled); err != nil {
		return nil, err
	}

	if v := os.Getenv("FARM_AGENT_ADB"); v != "" {
		cfg.ADBPath = v
	}
	if v := os.Getenv("FARM_AGENT_SIB"); v != "" {
		cfg.SIBPath = v
	}
	if v, ok := os.LookupEnv("FARM_AGENT_HUB_URL"); ok {
		cfg.HubURL = v
	}

	if v := os.Getenv("FARM_AGENT_RECONNECT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("FARM_AGENT_RECONNECT must be a duration: %w", err)
		}
		cfg.ReconnectInterval = d
	}

	if v := os.Getenv("FARM_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean", name)
	}
	return b, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("server URL %q must be ws:// or wss://", c.ServerURL)
	}
	if c.AgentKey == "" {
		return errors.New("agent key is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ReconnectInterval < time.Second {
		return errors.New("reconnect interval must be at least 1 second")
	}
	return nil
}

// AgentURL returns the control connection endpoint.
func (c *Config) AgentURL() string {
	return fmt.Sprintf("%s/websockets/agent/%s", strings.TrimRight(c.ServerURL, "/"), url.PathEscape(c.AgentKey))
}

// HTTPURL returns the server base URL with an http(s) scheme.
func (c *Config) HTTPURL() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return c.ServerURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	return strings.TrimRight(u.String(), "/")
}
