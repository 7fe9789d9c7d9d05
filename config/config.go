// Package config loads the TOML configuration of the payment client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values applied to fields left empty.
const (
	DefaultReceiptTimeout      = 5 * time.Minute
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultRefreshInterval     = 10 * time.Second
	DefaultGroupName           = "default_group"
	DefaultLogLevel            = "info"
	DefaultLogEnv              = "prod"
	DefaultTelemetryEndpoint   = "localhost:4318"
)

// Config is the client configuration file.
type Config struct {
	Ethereum  Ethereum  `toml:"ethereum"`
	Identity  Identity  `toml:"identity"`
	Service   Service   `toml:"service"`
	Channel   Channel   `toml:"channel"`
	Log       Log       `toml:"log"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Default returns a configuration with every default applied and no
// endpoints or secrets set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load decodes the file at path, applies defaults, resolves paths relative
// to the file and validates the result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	cfg.normalise(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Write persists cfg to path, creating parent directories.
func Write(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) applyDefaults() {
	if c.Ethereum.ReceiptTimeout.Duration <= 0 {
		c.Ethereum.ReceiptTimeout.Duration = DefaultReceiptTimeout
	}
	if c.Ethereum.ReceiptPollInterval.Duration <= 0 {
		c.Ethereum.ReceiptPollInterval.Duration = DefaultReceiptPollInterval
	}
	if strings.TrimSpace(c.Identity.Type) == "" {
		c.Identity.Type = IdentityPrivateKey
	}
	if strings.TrimSpace(c.Service.GroupName) == "" {
		c.Service.GroupName = DefaultGroupName
	}
	if c.Channel.CallAllowance == 0 {
		c.Channel.CallAllowance = 1
	}
	if c.Channel.FundingCalls == 0 {
		c.Channel.FundingCalls = 1
	}
	if c.Channel.RefreshInterval.Duration == 0 {
		c.Channel.RefreshInterval.Duration = DefaultRefreshInterval
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = DefaultLogLevel
	}
	if strings.TrimSpace(c.Log.Env) == "" {
		c.Log.Env = DefaultLogEnv
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		c.Telemetry.Endpoint = DefaultTelemetryEndpoint
	}
}

// normalise trims values and anchors relative paths at baseDir.
func (c *Config) normalise(baseDir string) {
	c.Ethereum.RPCURL = strings.TrimSpace(c.Ethereum.RPCURL)
	c.Ethereum.MPEAddress = strings.TrimSpace(c.Ethereum.MPEAddress)
	c.Ethereum.TokenAddress = strings.TrimSpace(c.Ethereum.TokenAddress)
	c.Identity.Type = strings.ToLower(strings.TrimSpace(c.Identity.Type))
	c.Identity.PrivateKey = strings.TrimSpace(c.Identity.PrivateKey)
	c.Identity.WalletRPCURL = strings.TrimSpace(c.Identity.WalletRPCURL)
	c.Identity.Account = strings.TrimSpace(c.Identity.Account)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Service.OrgID = strings.TrimSpace(c.Service.OrgID)
	c.Service.ServiceID = strings.TrimSpace(c.Service.ServiceID)
	c.Service.FreeCall.UserID = strings.TrimSpace(c.Service.FreeCall.UserID)
	c.Service.FreeCall.Token = strings.TrimSpace(c.Service.FreeCall.Token)

	c.Identity.PrivateKeyFile = resolvePath(baseDir, c.Identity.PrivateKeyFile)
	c.Identity.KeystorePath = resolvePath(baseDir, c.Identity.KeystorePath)
	c.Service.MetadataPath = resolvePath(baseDir, c.Service.MetadataPath)
	c.Channel.StorePath = resolvePath(baseDir, c.Channel.StorePath)
	c.Log.File = resolvePath(baseDir, c.Log.File)
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || baseDir == "" || baseDir == "." {
		return path
	}
	return filepath.Join(baseDir, path)
}
