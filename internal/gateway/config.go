// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains the connection settings for one gateway
type Config struct {
	// URL is the websocket endpoint of the gateway
	URL string `yaml:"url"`

	// Token is the static shared bearer token, used only before the device
	// is paired (first-time registration)
	Token string `yaml:"token"`

	// AutoReconnect enables reconnection with backoff after an unexpected
	// drop of a previously connected session
	AutoReconnect bool `yaml:"auto_reconnect"`

	// ReconnectDelay seeds the backoff; MaxReconnectDelay caps it
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// CallTimeout is the default budget for a call when the caller does not
	// supply one
	CallTimeout time.Duration `yaml:"call_timeout"`

	Locale    string `yaml:"locale"`
	UserAgent string `yaml:"user_agent"`
}

// FileConfig is the on-disk configuration: identity database plus one or
// more named gateway connections
type FileConfig struct {
	DatabasePath string            `yaml:"database_path"`
	HTTPListen   string            `yaml:"http_listen"`
	Connections  []ConnectionEntry `yaml:"connections"`
}

// ConnectionEntry is one configured gateway connection
type ConnectionEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Gateway Config `yaml:"gateway"`
}

// DefaultConfig returns the connection defaults used when a field is unset
func DefaultConfig() Config {
	return Config{
		URL:               "ws://127.0.0.1:18789",
		AutoReconnect:     true,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 60 * time.Second,
		CallTimeout:       30 * time.Second,
		Locale:            "en-US",
		UserAgent:         "crewhub/1.0.0",
	}
}

// applyDefaults fills zero fields from DefaultConfig
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.Locale == "" {
		c.Locale = def.Locale
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
}

// Validate checks the connection settings
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("gateway url is required")
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("gateway url must be a ws:// or wss:// endpoint, got %q", c.URL)
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max_reconnect_delay (%v) must not be less than reconnect_delay (%v)",
			c.MaxReconnectDelay, c.ReconnectDelay)
	}
	return nil
}

// LoadFileConfig loads configuration from a YAML file
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate checks the file configuration and applies per-connection defaults
func (fc *FileConfig) Validate() error {
	if fc.DatabasePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("database_path not set and home directory unavailable: %w", err)
		}
		fc.DatabasePath = home + "/.crewhub/crewhub.db"
	}

	seen := make(map[string]bool)
	for i := range fc.Connections {
		entry := &fc.Connections[i]
		if entry.ID == "" {
			return fmt.Errorf("connection %d: id is required", i)
		}
		if seen[entry.ID] {
			return fmt.Errorf("duplicate connection id %q", entry.ID)
		}
		seen[entry.ID] = true

		entry.Gateway.applyDefaults()
		if err := entry.Gateway.Validate(); err != nil {
			return fmt.Errorf("connection %q: %w", entry.ID, err)
		}
	}

	return nil
}

// GenerateDefaultFileConfig writes a starter configuration to path
func GenerateDefaultFileConfig(path string) error {
	config := FileConfig{
		HTTPListen: "127.0.0.1:8790",
		Connections: []ConnectionEntry{
			{
				ID:      "default",
				Name:    "Local Gateway",
				Gateway: DefaultConfig(),
			},
		},
	}

	data, err := yaml.Marshal(&config)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
