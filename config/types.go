package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Duration is a time.Duration that decodes from TOML strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Identity types.
const (
	IdentityPrivateKey = "private_key"
	IdentityWalletRPC  = "wallet_rpc"
)

// Ethereum locates the chain and the escrow contract.
type Ethereum struct {
	RPCURL       string `toml:"rpc_url"`
	ChainID      uint64 `toml:"chain_id,omitempty"`
	MPEAddress   string `toml:"mpe_address"`
	TokenAddress string `toml:"token_address,omitempty"`
	// DeploymentBlock bounds the first channel discovery scan.
	DeploymentBlock     uint64   `toml:"deployment_block"`
	ReceiptTimeout      Duration `toml:"receipt_timeout"`
	ReceiptPollInterval Duration `toml:"receipt_poll_interval"`
}

// Identity selects how claims and transactions are signed. For private_key
// exactly one of PrivateKey, PrivateKeyEnv, PrivateKeyFile or KeystorePath
// must be set.
type Identity struct {
	Type           string `toml:"type"`
	PrivateKey     string `toml:"private_key,omitempty"`
	PrivateKeyEnv  string `toml:"private_key_env,omitempty"`
	PrivateKeyFile string `toml:"private_key_file,omitempty"`
	KeystorePath   string `toml:"keystore_path,omitempty"`
	PassphraseEnv  string `toml:"passphrase_env,omitempty"`
	WalletRPCURL   string `toml:"wallet_rpc_url,omitempty"`
	// Account picks a wallet account; empty means the first one exposed.
	Account string `toml:"account,omitempty"`
}

// Service names the metadata document and group to pay.
type Service struct {
	MetadataPath string `toml:"metadata_path"`
	GroupName    string `toml:"group_name"`
	Endpoint     string `toml:"endpoint,omitempty"`
	OrgID        string `toml:"org_id,omitempty"`
	ServiceID    string `toml:"service_id,omitempty"`
	// FreeCall spends the group's free calls before paying.
	FreeCall FreeCall `toml:"free_call"`
}

// FreeCall is a marketplace-issued free-call token.
type FreeCall struct {
	UserID string `toml:"user_id,omitempty"`
	// Token is hex encoded.
	Token            string `toml:"token,omitempty"`
	TokenExpiryBlock uint64 `toml:"token_expiry_block,omitempty"`
}

// Enabled reports whether a free-call user is configured.
func (f FreeCall) Enabled() bool { return f.UserID != "" }

// TokenBytes decodes Token.
func (f FreeCall) TokenBytes() ([]byte, error) {
	b, err := hexutil.Decode(f.Token)
	if err != nil {
		return nil, fmt.Errorf("free_call token: %w", err)
	}
	return b, nil
}

// Channel tunes the channel manager.
type Channel struct {
	BlockOffset     uint64   `toml:"block_offset"`
	CallAllowance   int64    `toml:"call_allowance"`
	FundingCalls    int64    `toml:"funding_calls"`
	RefreshInterval Duration `toml:"refresh_interval"`
	// StorePath is the SQLite watermark database. Empty keeps state in memory.
	StorePath                   string `toml:"store_path,omitempty"`
	Prepaid                     bool   `toml:"prepaid"`
	DisableBlockchainOperations bool   `toml:"disable_blockchain_operations"`
}

// Log configures the slog handler and optional rotating file.
type Log struct {
	Level      string `toml:"level"`
	Env        string `toml:"env"`
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string            `toml:"endpoint"`
	Insecure    bool              `toml:"insecure"`
	Traces      bool              `toml:"traces"`
	Metrics     bool              `toml:"metrics"`
	SampleRatio float64           `toml:"sample_ratio"`
	Headers     map[string]string `toml:"headers,omitempty"`
}

// Enabled reports whether any exporter is switched on.
func (t Telemetry) Enabled() bool { return t.Traces || t.Metrics }
