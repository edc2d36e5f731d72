package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverEVM    = "evm"
)

// Config models escrowline.yml.
type Config struct {
	Ledger   LedgerConfig    `yaml:"ledger"`
	Server   ServerConfig    `yaml:"server"`
	Signer   SignerConfig    `yaml:"signer"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type LedgerConfig struct {
	Driver          string        `yaml:"driver"`
	RPCURL          string        `yaml:"rpc_url"`
	ContractAddress string        `yaml:"contract_address"`
	ChainID         int64         `yaml:"chain_id"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	IDScanDepth     int           `yaml:"id_scan_depth"`
	// DevFunds pre-funds addresses on the memory ledger, in ether.
	DevFunds map[string]string `yaml:"dev_funds"`
}

type ServerConfig struct {
	Addr      string  `yaml:"addr"`
	BasePath  string  `yaml:"base_path"`
	RateLimit float64 `yaml:"rate_limit_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

type SignerConfig struct {
	// Keyring is a YAML file of user keys the server signs with.
	Keyring string `yaml:"keyring"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with el init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverEVM:
		if strings.TrimSpace(c.Ledger.RPCURL) == "" {
			return fmt.Errorf("ledger.rpc_url is required for the evm driver")
		}
		if !common.IsHexAddress(c.Ledger.ContractAddress) {
			return fmt.Errorf("ledger.contract_address %q is not an address", c.Ledger.ContractAddress)
		}
	default:
		return fmt.Errorf("ledger.driver must be %q or %q", DriverMemory, DriverEVM)
	}
	if c.Ledger.ChainID < 0 {
		return fmt.Errorf("ledger.chain_id must not be negative")
	}
	if c.Ledger.ConfirmTimeout < 0 || c.Ledger.PollInterval < 0 {
		return fmt.Errorf("ledger durations must not be negative")
	}
	if c.Ledger.PollInterval > 0 && c.Ledger.ConfirmTimeout > 0 && c.Ledger.PollInterval > c.Ledger.ConfirmTimeout {
		return fmt.Errorf("ledger.poll_interval exceeds ledger.confirm_timeout")
	}
	if c.Ledger.IDScanDepth < 0 {
		return fmt.Errorf("ledger.id_scan_depth must not be negative")
	}
	for addr := range c.Ledger.DevFunds {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("ledger.dev_funds key %q is not an address", addr)
		}
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate limits must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  # memory keeps an in-process ledger; evm talks to a node.
  driver: memory
  rpc_url: ""
  contract_address: ""
  chain_id: 0
  confirm_timeout: 2m
  poll_interval: 1s
  id_scan_depth: 32

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  rate_limit_rps: 5
  rate_burst: 10

signer:
  keyring: ""

webhooks: []
`
