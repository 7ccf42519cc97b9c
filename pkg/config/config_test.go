package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Values from file
	assert.Equal(t, "127.0.0.1:5353", cfg.Server.ListenAddress())
	assert.Equal(t, 64, cfg.Server.MaxConcurrent)
	assert.Equal(t, "1.1.1.1:53", cfg.Upstream.Address, "port should be defaulted")
	assert.Equal(t, 3*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 48*time.Hour, cfg.Classification.CacheTTL)
	assert.Equal(t, "llama3:8b", cfg.Classification.Model)
	assert.Equal(t, []string{"khanacademy.org", "*.wikipedia.org"}, cfg.Classification.Overrides["educational"])
	assert.False(t, cfg.Storage.LogUnparsed)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Defaults for what the file leaves out
	assert.True(t, cfg.Classification.Enabled)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "http://localhost:11434/api/generate", cfg.Classification.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.Classification.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:8081", cfg.API.ListenAddress)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0:53", cfg.Server.ListenAddress())
	assert.Equal(t, 0, cfg.Server.MaxConcurrent)
	assert.Equal(t, "8.8.8.8:53", cfg.Upstream.Address)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Classification.CacheTTL)
	assert.Equal(t, DefaultOverrides(), cfg.Classification.Overrides)
	assert.True(t, cfg.Storage.LogUnparsed)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, ":8080", cfg.API.ListenAddress)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_DisabledSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
classification:
  enabled: false
storage:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Classification.Enabled)
	assert.False(t, cfg.Storage.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("testdata/missing.yml")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestNormalizeUpstream(t *testing.T) {
	assert.Equal(t, "9.9.9.9:53", NormalizeUpstream("9.9.9.9"))
	assert.Equal(t, "9.9.9.9:5353", NormalizeUpstream("9.9.9.9:5353"))
	assert.Equal(t, "[2001:db8::1]:53", NormalizeUpstream("[2001:db8::1]:53"))
	assert.Equal(t, "", NormalizeUpstream(""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.BindPort = 70000 }, wantErr: true},
		{name: "negative concurrency", mutate: func(c *Config) { c.Server.MaxConcurrent = -1 }, wantErr: true},
		{name: "empty upstream", mutate: func(c *Config) { c.Upstream.Address = "" }, wantErr: true},
		{name: "upstream without port", mutate: func(c *Config) { c.Upstream.Address = "1.1.1.1" }, wantErr: true},
		{name: "negative ttl", mutate: func(c *Config) { c.Classification.CacheTTL = -time.Second }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad log output", mutate: func(c *Config) { c.Logging.Output = "syslog" }, wantErr: true},
		{name: "bad api address", mutate: func(c *Config) { c.API.Enabled = true; c.API.ListenAddress = "8080" }, wantErr: true},
		{name: "bad api address ignored when disabled", mutate: func(c *Config) { c.API.ListenAddress = "8080" }},
		{name: "file output without path", mutate: func(c *Config) { c.Logging.Output = "file" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRestartRequired(t *testing.T) {
	old := LoadWithDefaults()

	hot := LoadWithDefaults()
	hot.Upstream.Timeout = time.Second
	hot.Classification.CacheTTL = time.Hour
	hot.Logging.Level = "debug"
	assert.Empty(t, RestartRequired(old, hot))

	cold := LoadWithDefaults()
	cold.Server.BindPort = 5353
	cold.Upstream.Address = "1.1.1.1:53"
	cold.Classification.Overrides = map[string][]string{"gaming": {"roblox.com"}}
	cold.Storage.DatabasePath = "/var/lib/smartguard.db"
	cold.API.Enabled = true
	assert.Equal(t, []string{"server", "upstream.address", "classification", "storage", "api"}, RestartRequired(old, cold))

	assert.Nil(t, RestartRequired(nil, cold))
}
