// Package config loads Veil's server endpoint configuration.
//
// Servers are defined in servers.yaml under the config directory. Each entry
// names one MCPP endpoint by its server key — the identifier placeholders use
// to address a backend.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/veil-core/paths"
)

// DefaultConsentTimeout applies when a server's consent request carries no
// timeout of its own.
const DefaultConsentTimeout = 2 * time.Minute

// serverKeyRegex matches valid server keys. Keys appear inside wire-form
// placeholders, so the charset must stay compatible with the token grammar.
var serverKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Server describes one configured MCPP endpoint.
type Server struct {
	Key     string            `yaml:"key"`               // Unique identifier, referenced by wire-form placeholders
	URL     string            `yaml:"url"`               // HTTP endpoint accepting JSON-RPC POSTs
	Headers map[string]string `yaml:"headers,omitempty"` // Extra headers (auth tokens etc.)
	Timeout *Duration         `yaml:"timeout,omitempty"` // Per-request timeout override
}

// Config is the top-level servers.yaml document.
type Config struct {
	HostID         string    `yaml:"host_id,omitempty"`         // Identifier stamped into usage contexts
	ConsentTimeout *Duration `yaml:"consent_timeout,omitempty"` // Fallback consent prompt timeout
	Servers        []Server  `yaml:"servers"`
}

// Duration is a wrapper around time.Duration that implements YAML unmarshaling
// from human-readable strings like "30s", "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads and validates a servers.yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// LoadDefault reads servers.yaml from the default config directory.
func LoadDefault() (*Config, error) {
	path, err := paths.ServersFilePath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// ParseConfig parses and validates raw YAML.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks server entries for missing or conflicting fields.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config defines no servers")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Key == "" {
			return fmt.Errorf("server %d: key is required", i)
		}
		if !serverKeyRegex.MatchString(s.Key) {
			return fmt.Errorf("server %q: key must match %s", s.Key, serverKeyRegex)
		}
		if s.URL == "" {
			return fmt.Errorf("server %q: url is required", s.Key)
		}
		if seen[s.Key] {
			return fmt.Errorf("server %q: duplicate key", s.Key)
		}
		seen[s.Key] = true
	}
	return nil
}

// Keys returns the configured server keys in lexicographic order. The first
// entry doubles as the default routing target (see the router package).
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		keys = append(keys, s.Key)
	}
	sort.Strings(keys)
	return keys
}

// Server returns the entry for a key.
func (c *Config) Server(key string) (Server, bool) {
	for _, s := range c.Servers {
		if s.Key == key {
			return s, true
		}
	}
	return Server{}, false
}

// ConsentTimeoutOrDefault returns the configured consent timeout, falling back
// to DefaultConsentTimeout.
func (c *Config) ConsentTimeoutOrDefault() time.Duration {
	if c.ConsentTimeout != nil && c.ConsentTimeout.Duration > 0 {
		return c.ConsentTimeout.Duration
	}
	return DefaultConsentTimeout
}
