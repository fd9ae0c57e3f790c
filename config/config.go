package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon and engine settings.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`

	// RoleGated restricts trade executers to the owner-managed whitelist.
	RoleGated bool `toml:"RoleGated"`
	// Owner is the hex-encoded engine owner address; empty leaves the engine
	// ownerless.
	Owner string `toml:"Owner"`
	// Custodian optionally overrides the derived custody address (hex).
	Custodian string `toml:"Custodian"`

	// DefaultExpirationDays is the horizon applied to trades created without
	// an expiration date.
	DefaultExpirationDays int64 `toml:"DefaultExpirationDays"`
	// VariablePriceMinLeadDays is the minimum lead time for variable-price
	// start dates.
	VariablePriceMinLeadDays int64 `toml:"VariablePriceMinLeadDays"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8645"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = ":9465"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./dvpd-data"
	}
	if c.DefaultExpirationDays <= 0 {
		c.DefaultExpirationDays = 30
	}
	if c.VariablePriceMinLeadDays <= 0 {
		c.VariablePriceMinLeadDays = 7
	}
}

// Validate checks address fields for well-formedness.
func (c *Config) Validate() error {
	if _, err := c.OwnerAddress(); err != nil {
		return err
	}
	if _, err := c.CustodianAddress(); err != nil {
		return err
	}
	return nil
}

func decodeAddress(field, value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return addr, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("config: %s must be a 20-byte hex address", field)
	}
	copy(addr[:], raw)
	return addr, nil
}

// OwnerAddress decodes the configured owner; the zero address means unset.
func (c *Config) OwnerAddress() ([20]byte, error) {
	return decodeAddress("Owner", c.Owner)
}

// CustodianAddress decodes the configured custodian; the zero address means
// "use the derived default".
func (c *Config) CustodianAddress() ([20]byte, error) {
	return decodeAddress("Custodian", c.Custodian)
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
