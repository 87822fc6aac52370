package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/bcnelson/vultr-fw-sync/internal/validation"
	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Vultr    VultrConfig
	Sync     SyncConfig
	IPLookup IPLookupConfig
	History  HistoryConfig
	Metrics  MetricsConfig
}

// VultrConfig holds Vultr API configuration.
type VultrConfig struct {
	APIKey   string `env:"VULTR_API_KEY"`
	BaseURL  string `env:"VULTR_API_URL" envDefault:"https://api.vultr.com/v2"`
	FileShim string `env:"VULTR_FILE_SHIM"` // Path to a JSON file standing in for the API
}

// SyncConfig describes which firewall group to reconcile and which ports to open.
type SyncConfig struct {
	GroupName string `env:"VULTR_FWGROUP_NAME"`
	TCPPorts  string `env:"TCP_PORTS,required"`
	UDPPorts  string `env:"UDP_PORTS,required"`
	MatchMode string `env:"IP_MATCH_MODE" envDefault:"exact"`
}

// GetTCPPorts returns the TCP ports as a slice.
func (c *SyncConfig) GetTCPPorts() []string {
	return splitList(c.TCPPorts)
}

// GetUDPPorts returns the UDP ports as a slice.
func (c *SyncConfig) GetUDPPorts() []string {
	return splitList(c.UDPPorts)
}

// IPLookupConfig holds public IP lookup configuration.
type IPLookupConfig struct {
	URL string `env:"IP_LOOKUP_URL" envDefault:"https://ipinfo.io/json"`
}

// HistoryConfig holds run history database configuration.
type HistoryConfig struct {
	Driver string `env:"HISTORY_DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"HISTORY_DB_DSN"` // Empty disables the run history
}

// Enabled returns true if runs should be journaled.
func (c *HistoryConfig) Enabled() bool {
	return c.DSN != ""
}

// MetricsConfig holds Pushgateway configuration.
type MetricsConfig struct {
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
	Job            string `env:"PUSHGATEWAY_JOB" envDefault:"vultr_fw_sync"`
}

// Enabled returns true if metrics should be pushed.
func (c *MetricsConfig) Enabled() bool {
	return c.PushgatewayURL != ""
}

// LoadEnvFile loads variables from a dotenv file without overriding ones
// already set. An empty path loads ".env" if it exists.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Vultr); err != nil {
		return nil, fmt.Errorf("parsing vultr config: %w", err)
	}
	if err := env.Parse(&cfg.Sync); err != nil {
		return nil, fmt.Errorf("parsing sync config: %w", err)
	}
	if err := env.Parse(&cfg.IPLookup); err != nil {
		return nil, fmt.Errorf("parsing ip lookup config: %w", err)
	}
	if err := env.Parse(&cfg.History); err != nil {
		return nil, fmt.Errorf("parsing history config: %w", err)
	}
	if err := env.Parse(&cfg.Metrics); err != nil {
		return nil, fmt.Errorf("parsing metrics config: %w", err)
	}

	return cfg, nil
}

// LoadHistory loads only the run history configuration, for commands that
// read the journal without touching the firewall.
func LoadHistory() (*HistoryConfig, error) {
	cfg := &HistoryConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing history config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs validation.ValidationErrors

	// If using the file shim, the API key is not required
	if c.Vultr.FileShim == "" && c.Vultr.APIKey == "" {
		errs.Add("VULTR_API_KEY", "", "is required (or set VULTR_FILE_SHIM for offline use)")
	}
	if strings.TrimSpace(c.Sync.GroupName) == "" {
		errs.Add("VULTR_FWGROUP_NAME", c.Sync.GroupName, "is required")
	}

	errs.Merge(validation.ValidatePortList("TCP_PORTS", c.Sync.GetTCPPorts()))
	errs.Merge(validation.ValidatePortList("UDP_PORTS", c.Sync.GetUDPPorts()))

	if err := validation.ValidateOneOf(strings.ToLower(c.Sync.MatchMode), "exact", "substring"); err != nil {
		errs.Add("IP_MATCH_MODE", c.Sync.MatchMode, err.Error())
	}

	if c.History.Enabled() {
		if err := validation.ValidateOneOf(c.History.Driver, "sqlite3", "postgres"); err != nil {
			errs.Add("HISTORY_DB_DRIVER", c.History.Driver, err.Error())
		}
	}

	return errs.Err()
}

// UseFileShim returns true if the file shim should be used instead of the real API.
func (c *Config) UseFileShim() bool {
	return c.Vultr.FileShim != ""
}

// splitList splits a comma-separated value, dropping blanks. An empty value
// is an empty list rather than a list holding one empty entry.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
