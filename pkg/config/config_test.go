package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaults tests the built-in configuration
func TestDefaults(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultHeartbeat, cfg.Node.Heartbeat)
	assert.Equal(t, 2*DefaultHeartbeat, cfg.JobLease())
	assert.Equal(t, DefaultTokenExpiration, cfg.Node.TokenExpiration)
}

// TestLoadOverridesDefaults tests YAML parsing over the defaults
func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workdir: /tmp/fdl
log_level: debug
node:
  listen_addr: 127.0.0.1:9000
  heartbeat: 2s
  lease_factor: 3
  token_expiration: 1h
join:
  url: http://coordinator:1456
  type: NODE
datasources:
  - name: california
    kind: file
    path: /data/california.csv
    tokens: [project-a]
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fdl", cfg.Workdir)
	assert.Equal(t, "127.0.0.1:9000", cfg.Node.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Node.Heartbeat)
	assert.Equal(t, 6*time.Second, cfg.JobLease())
	assert.Equal(t, "NODE", cfg.Join.Type)
	require.Len(t, cfg.DataSources, 1)
	assert.Equal(t, []string{"project-a"}, cfg.DataSources[0].Tokens)
}

// TestValidateRejections tests the validation gates
func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty workdir", func(c *Config) { c.Workdir = "" }},
		{"zero heartbeat", func(c *Config) { c.Node.Heartbeat = 0 }},
		{"zero lease factor", func(c *Config) { c.Node.LeaseFactor = 0 }},
		{"zero token expiration", func(c *Config) { c.Node.TokenExpiration = 0 }},
		{"datasource without path", func(c *Config) {
			c.DataSources = []DataSourceConfig{{Name: "x"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestPathHelpers tests the workdir layout helpers
func TestPathHelpers(t *testing.T) {
	cfg := Default()
	cfg.Workdir = "/tmp/fdl"

	assert.Equal(t, "/tmp/fdl/private_key.pem", cfg.PrivateKeyPath())
	assert.Equal(t, "/tmp/fdl/artifacts/a-1/2", cfg.ArtifactDir("a-1", 2))
	assert.Equal(t, "/tmp/fdl/clients/c-1", cfg.ClientDir("c-1"))
}

// TestEnsureWorkdir tests directory creation
func TestEnsureWorkdir(t *testing.T) {
	cfg := Default()
	cfg.Workdir = filepath.Join(t.TempDir(), "workdir")

	require.NoError(t, cfg.EnsureWorkdir())
	for _, dir := range []string{"artifacts", "clients", "datasources"} {
		info, err := os.Stat(filepath.Join(cfg.Workdir, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
