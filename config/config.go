package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config drives the otcswapd daemon.
type Config struct {
	RPCAddress  string   `toml:"RPCAddress"`
	DataDir     string   `toml:"DataDir"`
	ServiceName string   `toml:"ServiceName"`
	Env         string   `toml:"Env"`
	FeeTreasury string   `toml:"FeeTreasury"`
	Admins      []string `toml:"Admins"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
}

// Load reads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./otcswap-data"
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "otcswapd"
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 100
	}
	if cfg.LogMaxBackups <= 0 {
		cfg.LogMaxBackups = 3
	}
}

// Validate checks address-valued fields decode.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.FeeTreasury) != "" && !common.IsHexAddress(c.FeeTreasury) {
		return fmt.Errorf("config: FeeTreasury is not a hex address: %s", c.FeeTreasury)
	}
	for _, admin := range c.Admins {
		if !common.IsHexAddress(admin) {
			return fmt.Errorf("config: Admins entry is not a hex address: %s", admin)
		}
	}
	return nil
}

// FeeTreasuryAddress decodes the configured fee treasury account.
func (c *Config) FeeTreasuryAddress() [20]byte {
	if !common.IsHexAddress(c.FeeTreasury) {
		return [20]byte{}
	}
	return common.HexToAddress(c.FeeTreasury)
}

// AdminAddresses decodes the configured administrative identities.
func (c *Config) AdminAddresses() [][20]byte {
	out := make([][20]byte, 0, len(c.Admins))
	for _, admin := range c.Admins {
		if common.IsHexAddress(admin) {
			out = append(out, common.HexToAddress(admin))
		}
	}
	return out
}

// AuthToken resolves the RPC bearer token from the environment.
func AuthToken() string {
	return strings.TrimSpace(os.Getenv("OTC_RPC_TOKEN"))
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
