// Package config handles configuration loading and validation for the
// security monitor simulation and its host tools.
//
// Configuration is read once at boot. There is no hot reload:
// isolation policy must not change under live enclaves.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds the machine shape, monitor policy and tool paths.
type Config struct {
	// Harts is the number of simulated hardware threads.
	Harts int `toml:"harts"`

	// PMPRegisters is the PMP register budget per hart.
	PMPRegisters int `toml:"pmp_registers"`

	// MaxThreads bounds concurrent hart entries per enclave.
	MaxThreads int `toml:"max_threads"`

	// AllowSMPResume permits resume while an enclave is running, so
	// the host can drive additional harts in. With it off, resume
	// requires the enclave to be stopped.
	AllowSMPResume bool `toml:"allow_smp_resume"`

	// DRAMBase and DRAMSize describe the simulated physical memory.
	DRAMBase uint64 `toml:"dram_base"`
	DRAMSize uint64 `toml:"dram_size"`

	// SMBase and SMSize carve the monitor's own extent out of DRAM.
	SMBase uint64 `toml:"sm_base"`
	SMSize uint64 `toml:"sm_size"`

	// DeviceSecret seeds the deterministic development identity chain
	// when no provisioned key material is configured.
	DeviceSecret string `toml:"device_secret"`

	// Provisioned identity material; the seed and both certificate paths
	// must be set together, the signature path is optional.
	SMSeedPath  string `toml:"sm_seed_path"`
	DevCertPath string `toml:"dev_cert_path"`
	SMCertPath  string `toml:"sm_cert_path"`
	SMSigPath   string `toml:"sm_sig_path"`

	// StorePath is the sqlite evidence database used by the host
	// tools.
	StorePath string `toml:"store_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a configuration matching the reference
// machine: 128 MiB of DRAM at 0x80000000 with the monitor in the
// first 2 MiB.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Harts:          4,
		PMPRegisters:   16,
		MaxThreads:     1,
		AllowSMPResume: true,
		DRAMBase:       0x80000000,
		DRAMSize:       0x8000000,
		SMBase:         0x80000000,
		SMSize:         0x200000,
		DeviceSecret:   "keystonesm-dev-device-secret",
		StorePath:      filepath.Join(homeDir, ".keystonesm", "evidence.db"),
		LogLevel:       "info",
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".keystonesm", "config.toml")
}

// Load reads configuration from the specified path. If the file does
// not exist, defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides lets the environment override selected fields.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KEYSTONESM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KEYSTONESM_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("KEYSTONESM_HARTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Harts = n
		}
	}
	if v := os.Getenv("KEYSTONESM_DEVICE_SECRET"); v != "" {
		c.DeviceSecret = v
	}
}

// Validate checks the configuration for a bootable machine shape.
func (c *Config) Validate() error {
	if c.Harts < 1 || c.Harts > 64 {
		return fmt.Errorf("harts must be 1..64, got %d", c.Harts)
	}
	if c.PMPRegisters < 4 || c.PMPRegisters > 64 {
		return fmt.Errorf("pmp_registers must be 4..64, got %d", c.PMPRegisters)
	}
	if c.MaxThreads < 1 {
		return errors.New("max_threads must be at least 1")
	}
	if c.DRAMSize == 0 {
		return errors.New("dram_size must be non-zero")
	}
	if c.DRAMBase+c.DRAMSize < c.DRAMBase {
		return errors.New("dram range overflows")
	}
	if c.SMSize == 0 {
		return errors.New("sm_size must be non-zero")
	}
	if c.SMBase < c.DRAMBase || c.SMBase+c.SMSize > c.DRAMBase+c.DRAMSize {
		return errors.New("monitor extent must lie inside DRAM")
	}
	provisioned := 0
	for _, p := range []string{c.SMSeedPath, c.DevCertPath, c.SMCertPath} {
		if p != "" {
			provisioned++
		}
	}
	if provisioned != 0 && provisioned != 3 {
		return errors.New("sm_seed_path, dev_cert_path and sm_cert_path must be set together")
	}
	if provisioned == 0 && c.DeviceSecret == "" {
		return errors.New("either provisioned key material or device_secret is required")
	}
	return nil
}

// Save writes the configuration to the specified path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}
