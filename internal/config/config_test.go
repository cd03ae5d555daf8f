package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmft/internal/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvmft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nqn.2024-01.io.github.ehrlich-b:nvmft-mem", cfg.Port.SubNQN)
	assert.Equal(t, constants.DefaultMaxControllers, cfg.Port.MaxControllers)
	assert.Equal(t, constants.DefaultMaxIOQueueSize, cfg.Port.MaxIOQueueSize)
	assert.Equal(t, constants.TerminationGrace, cfg.Port.TerminationGrace)
	assert.Equal(t, constants.KeepAliveUnit, cfg.Port.KeepAliveUnit)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)

	require.Len(t, cfg.Namespaces, 1)
	assert.Equal(t, uint32(1), cfg.Namespaces[0].ID)
	assert.Equal(t, int64(64<<20), cfg.Namespaces[0].Bytes)
	assert.Equal(t, constants.DefaultLogicalBlockSize, cfg.Namespaces[0].BlockSize)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
port:
  subnqn: nqn.2024-01.io.example:file
  max_controllers: 4
  termination_grace: 5s
namespaces:
  - id: 3
    size: 1M
    block_size: 4096
  - id: 7
    size: 512K
log:
  format: json
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nqn.2024-01.io.example:file", cfg.Port.SubNQN)
	assert.Equal(t, 4, cfg.Port.MaxControllers)
	assert.Equal(t, 5*time.Second, cfg.Port.TerminationGrace)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)

	require.Len(t, cfg.Namespaces, 2)
	assert.Equal(t, NamespaceConfig{ID: 3, Size: "1M", BlockSize: 4096, Bytes: 1 << 20}, cfg.Namespaces[0])
	assert.Equal(t, int64(512<<10), cfg.Namespaces[1].Bytes)
	assert.Equal(t, constants.DefaultLogicalBlockSize, cfg.Namespaces[1].BlockSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NVMFT_PORT_SUBNQN", "nqn.2024-01.io.example:env")
	t.Setenv("NVMFT_MEMORY_COUNT", "3")
	t.Setenv("NVMFT_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nqn.2024-01.io.example:env", cfg.Port.SubNQN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Len(t, cfg.Namespaces, 3)
}

func TestViperOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	v.Set("memory.size", "2M")
	v.Set("memory.count", 2)

	cfg, err := LoadViper(v, "")
	require.NoError(t, err)
	require.Len(t, cfg.Namespaces, 2)
	assert.Equal(t, uint32(2), cfg.Namespaces[1].ID)
	assert.Equal(t, int64(2<<20), cfg.Namespaces[1].Bytes)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		return &cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty subnqn", func(c *Config) { c.Port.SubNQN = "" }},
		{"zero controllers", func(c *Config) { c.Port.MaxControllers = 0 }},
		{"queue size", func(c *Config) { c.Port.MaxIOQueueSize = 1 }},
		{"workers", func(c *Config) { c.Port.Workers = 0 }},
		{"grace", func(c *Config) { c.Port.TerminationGrace = 0 }},
		{"namespace zero", func(c *Config) { c.Namespaces = []NamespaceConfig{{ID: 0, Size: "1M"}} }},
		{"duplicate namespace", func(c *Config) {
			c.Namespaces = []NamespaceConfig{{ID: 1, Size: "1M"}, {ID: 1, Size: "1M"}}
		}},
		{"bad size", func(c *Config) { c.Namespaces = []NamespaceConfig{{ID: 1, Size: "lots"}} }},
		{"smaller than block", func(c *Config) {
			c.Namespaces = []NamespaceConfig{{ID: 1, Size: "1K", BlockSize: 4096}}
		}},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"metrics listen", func(c *Config) { c.Metrics.Listen = "" }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"512", 512, false},
		{"4k", 4 << 10, false},
		{"64M", 64 << 20, false},
		{"1GB", 1 << 30, false},
		{"2T", 2 << 40, false},
		{"0", 0, true},
		{"-1M", 0, true},
		{"M", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "64.0 MB", FormatSize(64<<20))
	assert.Equal(t, "100 B", FormatSize(100))
}
