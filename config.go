// Copyright 2024 The Proxy Magic Authors
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

package proxymagic

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the single configuration document for the proxy. It can be
// expressed as YAML or JSON; field names follow the YAML keys.
type Config struct {
	// Directory scanned by the rule store.
	RulesDir string `yaml:"rulesDir" json:"rulesDir"`

	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Enables verbose rule loader diagnostics.
	Debug bool `yaml:"debug" json:"debug"`

	// Opts in to the structured event stream for an external UI.
	UI bool `yaml:"ui" json:"ui"`
}

// ProxyConfig holds the listener and engine settings.
type ProxyConfig struct {
	// Bind address, loopback by default.
	Host string `yaml:"host" json:"host"`

	// TCP port for both plain proxy requests and CONNECT tunnels.
	Port int `yaml:"port" json:"port"`

	// 0 = errors only, 1 = basic, 2 = debug.
	LogLevel int `yaml:"logLevel" json:"logLevel"`

	// Minutes between periodic stats snapshots.
	StatsInterval int `yaml:"statsInterval" json:"statsInterval"`

	// Directory holding the root CA and leaf material.
	CACertDir string `yaml:"caCertDir" json:"caCertDir"`
}

// DefaultConfig returns the built-in defaults, applied before any
// config file or CLI override.
func DefaultConfig() *Config {
	return &Config{
		RulesDir: "rules",
		Proxy: ProxyConfig{
			Host:          "127.0.0.1",
			Port:          8080,
			LogLevel:      LogLevelBasic,
			StatsInterval: 5,
			CACertDir:     defaultCACertDir(),
		},
	}
}

func defaultCACertDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".proxy_certs"
	}
	return filepath.Join(home, ".proxy_certs")
}

// configSearchOrder is the set of filenames probed in the working
// directory when no explicit --config path is given.
var configSearchOrder = []string{"config.yaml", "config.yml", "config.json"}

// LoadConfig discovers and loads the configuration document. When
// explicitPath is non-empty it must exist; otherwise the working
// directory is probed in order, then a per-user global fallback, and
// a missing file simply yields the defaults. The PROXY_LOG_LEVEL
// environment variable overrides the file's log level.
func LoadConfig(explicitPath string) (*Config, error) {
	cfg := DefaultConfig()

	path := explicitPath
	if path == "" {
		path = discoverConfig()
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func discoverConfig() string {
	for _, name := range configSearchOrder {
		if fileExists(name) {
			return name
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		global := filepath.Join(home, ".config", "proxymagic", "config.yaml")
		if fileExists(global) {
			return global
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}
	if strings.HasSuffix(path, ".json") {
		return json.Unmarshal(data, c)
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PROXY_LOG_LEVEL"); v != "" {
		if lvl, err := ParseLogLevel(v); err == nil {
			c.Proxy.LogLevel = lvl
		} else {
			Log().Warn("ignoring invalid PROXY_LOG_LEVEL", zap.String("value", v))
		}
	}
}

// Validate checks the document for values the engine cannot start with.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range [1, 65535]", c.Proxy.Port)
	}
	if c.Proxy.LogLevel < LogLevelErrors || c.Proxy.LogLevel > LogLevelDebug {
		return fmt.Errorf("proxy.logLevel %d out of range [0, 2]", c.Proxy.LogLevel)
	}
	if c.Proxy.StatsInterval < 1 {
		return fmt.Errorf("proxy.statsInterval %d must be at least 1 minute", c.Proxy.StatsInterval)
	}
	if c.RulesDir == "" {
		return errors.New("rulesDir must not be empty")
	}
	if c.Proxy.CACertDir == "" {
		return errors.New("proxy.caCertDir must not be empty")
	}
	return nil
}

// ListenAddr formats the host:port pair for net.Listen.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}
