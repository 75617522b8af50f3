package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Harts)
	assert.True(t, cfg.AllowSMPResume)
	assert.Equal(t, uint64(0x80000000), cfg.DRAMBase)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Harts, cfg.Harts)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
harts = 2
pmp_registers = 8
max_threads = 2
allow_smp_resume = false
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Harts)
	assert.Equal(t, 8, cfg.PMPRegisters)
	assert.Equal(t, 2, cfg.MaxThreads)
	assert.False(t, cfg.AllowSMPResume)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep their defaults.
	assert.Equal(t, uint64(0x80000000), cfg.DRAMBase)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEYSTONESM_LOG_LEVEL", "warn")
	t.Setenv("KEYSTONESM_HARTS", "8")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Harts)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero harts", func(c *Config) { c.Harts = 0 }},
		{"pmp budget too small", func(c *Config) { c.PMPRegisters = 2 }},
		{"zero threads", func(c *Config) { c.MaxThreads = 0 }},
		{"zero dram", func(c *Config) { c.DRAMSize = 0 }},
		{"dram overflow", func(c *Config) { c.DRAMBase = ^uint64(0) - 0x1000; c.DRAMSize = 0x10000 }},
		{"monitor outside dram", func(c *Config) { c.SMBase = c.DRAMBase + c.DRAMSize }},
		{"partial provisioning", func(c *Config) { c.SMSeedPath = "/tmp/seed" }},
		{"no identity source", func(c *Config) { c.DeviceSecret = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.toml")
	cfg := DefaultConfig()
	cfg.Harts = 2
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Harts)
}
