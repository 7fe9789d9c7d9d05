package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"snetpay/observability/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	if c.Ethereum.RPCURL == "" {
		return invalid("ethereum: rpc_url required")
	}
	if _, err := url.Parse(c.Ethereum.RPCURL); err != nil {
		return invalid("ethereum: rpc_url: %v", err)
	}
	if !common.IsHexAddress(c.Ethereum.MPEAddress) {
		return invalid("ethereum: mpe_address %q is not an address", c.Ethereum.MPEAddress)
	}
	if c.Ethereum.TokenAddress != "" && !common.IsHexAddress(c.Ethereum.TokenAddress) {
		return invalid("ethereum: token_address %q is not an address", c.Ethereum.TokenAddress)
	}
	if c.Ethereum.ReceiptPollInterval.Duration > c.Ethereum.ReceiptTimeout.Duration {
		return invalid("ethereum: receipt_poll_interval exceeds receipt_timeout")
	}

	if err := c.Identity.validate(); err != nil {
		return err
	}

	if c.Service.MetadataPath == "" {
		return invalid("service: metadata_path required")
	}
	if c.Service.Endpoint != "" {
		u, err := url.Parse(c.Service.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("service: endpoint %q must be an http or https url", c.Service.Endpoint)
		}
	}

	if fc := c.Service.FreeCall; fc.Enabled() {
		if c.Service.OrgID == "" || c.Service.ServiceID == "" {
			return invalid("service: free_call needs org_id and service_id")
		}
		if token, err := fc.TokenBytes(); err != nil || len(token) == 0 {
			return invalid("service: free_call token must be 0x-prefixed hex")
		}
		if fc.TokenExpiryBlock == 0 {
			return invalid("service: free_call token_expiry_block required")
		}
	}

	if c.Channel.CallAllowance < 1 {
		return invalid("channel: call_allowance must be positive")
	}
	if c.Channel.FundingCalls < 1 {
		return invalid("channel: funding_calls must be positive")
	}
	if c.Channel.RefreshInterval.Duration < 0 {
		return invalid("channel: refresh_interval must not be negative")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log: %v", err)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return invalid("log: rotation limits must not be negative")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return invalid("telemetry: sample_ratio %v outside [0,1]", c.Telemetry.SampleRatio)
	}
	return nil
}

func (i Identity) validate() error {
	switch i.Type {
	case IdentityPrivateKey:
		sources := 0
		for _, v := range []string{i.PrivateKey, i.PrivateKeyEnv, i.PrivateKeyFile, i.KeystorePath} {
			if strings.TrimSpace(v) != "" {
				sources++
			}
		}
		if sources != 1 {
			return invalid("identity: exactly one of private_key, private_key_env, private_key_file, keystore_path required (got %d)", sources)
		}
		if i.WalletRPCURL != "" {
			return invalid("identity: wallet_rpc_url set for private_key identity")
		}
	case IdentityWalletRPC:
		if i.WalletRPCURL == "" {
			return invalid("identity: wallet_rpc_url required")
		}
		if i.Account != "" && !common.IsHexAddress(i.Account) {
			return invalid("identity: account %q is not an address", i.Account)
		}
		if i.PrivateKey != "" || i.PrivateKeyEnv != "" || i.PrivateKeyFile != "" || i.KeystorePath != "" {
			return invalid("identity: key material set for wallet_rpc identity")
		}
	default:
		return invalid("identity: unknown type %q", i.Type)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
