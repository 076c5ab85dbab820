package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultListenAddr      = "0.0.0.0:1456"
	DefaultHeartbeat       = 10 * time.Second
	DefaultLeaseFactor     = 2
	DefaultTokenExpiration = 24 * time.Hour
)

// Node holds the coordinator-side settings.
type Node struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	LeaseFactor     int           `yaml:"lease_factor"`
	TokenExpiration time.Duration `yaml:"token_expiration"`

	// DefaultProjectToken names the project created at startup so a
	// fresh coordinator can accept artifacts. Generated and logged
	// when left empty.
	DefaultProjectToken string `yaml:"default_project_token"`
}

// Join holds the client-side settings for reaching a coordinator.
type Join struct {
	URL  string `yaml:"url"`
	Type string `yaml:"type"` // CLIENT (default) or NODE
}

// DataSourceConfig points at a local dataset made available to the
// federation. Only the owning node ever reads the file.
type DataSourceConfig struct {
	Name   string   `yaml:"name"`
	Kind   string   `yaml:"kind"` // "file" or "dir"
	Path   string   `yaml:"path"`
	Tokens []string `yaml:"tokens"` // project tokens granting visibility
}

// Config is the explicit configuration value constructed at startup
// and passed down. There is no global config state.
type Config struct {
	Workdir     string             `yaml:"workdir"`
	LogLevel    string             `yaml:"log_level"`
	LogJSON     bool               `yaml:"log_json"`
	Node        Node               `yaml:"node"`
	Join        Join               `yaml:"join"`
	DataSources []DataSourceConfig `yaml:"datasources"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Workdir:  "./workdir",
		LogLevel: "info",
		Node: Node{
			ListenAddr:      DefaultListenAddr,
			Heartbeat:       DefaultHeartbeat,
			LeaseFactor:     DefaultLeaseFactor,
			TokenExpiration: DefaultTokenExpiration,
		},
	}
}

// Validate checks the invariants Load relies on.
func (c *Config) Validate() error {
	if c.Workdir == "" {
		return fmt.Errorf("workdir cannot be empty")
	}
	if c.Node.Heartbeat <= 0 {
		return fmt.Errorf("node.heartbeat must be positive")
	}
	if c.Node.LeaseFactor < 1 {
		return fmt.Errorf("node.lease_factor must be at least 1")
	}
	if c.Node.TokenExpiration <= 0 {
		return fmt.Errorf("node.token_expiration must be positive")
	}
	for _, ds := range c.DataSources {
		if ds.Path == "" {
			return fmt.Errorf("datasource %q has no path", ds.Name)
		}
	}
	return nil
}

// JobLease is how long a RUNNING job may go unreported before the
// scheduler reclaims it.
func (c *Config) JobLease() time.Duration {
	return time.Duration(c.Node.LeaseFactor) * c.Node.Heartbeat
}

// PrivateKeyPath is where the node's long-lived RSA key lives.
func (c *Config) PrivateKeyPath() string {
	return filepath.Join(c.Workdir, "private_key.pem")
}

// ProjectTokenPath is where a generated default project token is kept
// across restarts when the config leaves it unset.
func (c *Config) ProjectTokenPath() string {
	return filepath.Join(c.Workdir, "project_token")
}

// ArtifactDir is the blob directory for one (artifact, iteration).
func (c *Config) ArtifactDir(artifactID string, iteration int) string {
	return filepath.Join(c.Workdir, "artifacts", artifactID, fmt.Sprint(iteration))
}

// ClientDir holds per-component scratch space on the coordinator.
func (c *Config) ClientDir(componentID string) string {
	return filepath.Join(c.Workdir, "clients", componentID)
}

// DataSourceDir is where received datasource material is kept.
func (c *Config) DataSourceDir(hash string) string {
	return filepath.Join(c.Workdir, "datasources", hash)
}

// EnsureWorkdir creates the workdir tree.
func (c *Config) EnsureWorkdir() error {
	for _, dir := range []string{
		c.Workdir,
		filepath.Join(c.Workdir, "artifacts"),
		filepath.Join(c.Workdir, "clients"),
		filepath.Join(c.Workdir, "datasources"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
