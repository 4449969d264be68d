// Package config loads the askcontinue settings file.
//
// The file is YAML and every field is optional: anything left out keeps the
// value from Defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/askcontinue/askcontinue-core/paths"
)

// EnvConfigPath overrides the location of the config file.
const EnvConfigPath = "ASKCONTINUE_CONFIG"

// Config holds the application configuration
type Config struct {
	ToolName    string `yaml:"tool_name"`
	ProjectName string `yaml:"project_name,omitempty"` // Shown in serverInfo and the dialog title

	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`
	PortAttempts   int `yaml:"port_attempts"` // Total bind attempts, starting at the preferred port

	HeartbeatInterval Duration `yaml:"heartbeat_interval"` // SSE keepalive comment period
	SessionGrace      Duration `yaml:"session_grace"`      // How long a session outlives its stream
	RequestExpiry     Duration `yaml:"request_expiry"`     // Pending records older than this are expired
	FileTimeout       Duration `yaml:"file_timeout"`       // Requester wait for a file-transport response
	FilePollInterval  Duration `yaml:"file_poll_interval"` // Requester poll period
	WatchInterval     Duration `yaml:"watch_interval"`     // Watcher poll period

	ChannelDir string `yaml:"channel_dir,omitempty"`
	PortsDir   string `yaml:"ports_dir,omitempty"`
	ImagesDir  string `yaml:"images_dir,omitempty"`

	Debug bool `yaml:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Defaults returns a config populated with the built-in values.
func Defaults() *Config {
	return &Config{
		ToolName:          "ask_continue",
		PortRangeStart:    3457,
		PortRangeEnd:      3557,
		PortAttempts:      4,
		HeartbeatInterval: Duration{15 * time.Second},
		SessionGrace:      Duration{60 * time.Second},
		RequestExpiry:     Duration{30 * time.Minute},
		FileTimeout:       Duration{600 * time.Second},
		FilePollInterval:  Duration{300 * time.Millisecond},
		WatchInterval:     Duration{500 * time.Millisecond},
	}
}

// FilePath resolves the config file location, honoring ASKCONTINUE_CONFIG.
func FilePath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	return paths.ConfigFilePath()
}

// Load reads the config from its default location. A missing file yields Defaults.
func Load() (*Config, error) {
	path, err := FilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config at path, layering it over Defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()
	cfg.filePath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, fmt.Errorf("invalid config %s: %w", path, errors.Join(joined...))
	}

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		p, err := FilePath()
		if err != nil {
			return err
		}
		c.filePath = p
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets where Save writes. Used by tests.
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// ResolveChannelDir returns the configured channel directory, or the default
// data-directory location when none is set.
func (c *Config) ResolveChannelDir() (string, error) {
	c.mu.RLock()
	dir := c.ChannelDir
	c.mu.RUnlock()
	if dir != "" {
		return dir, nil
	}
	return paths.ChannelDir()
}

// ResolveImagesDir returns the configured images directory or its default.
func (c *Config) ResolveImagesDir() (string, error) {
	c.mu.RLock()
	dir := c.ImagesDir
	c.mu.RUnlock()
	if dir != "" {
		return dir, nil
	}
	return paths.ImagesDir()
}

// ResolvePortsDir returns the configured port discovery directory or its default.
func (c *Config) ResolvePortsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.PortsDir != "" {
		return c.PortsDir
	}
	return paths.PortsDir()
}

// DisplayName returns the project name, falling back to the tool name.
func (c *Config) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ProjectName != "" {
		return c.ProjectName
	}
	return c.ToolName
}
