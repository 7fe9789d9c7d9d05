package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"snetpay/crypto"
)

// ErrNoPassphrase is returned when a keystore is configured but no
// passphrase callback was supplied.
var ErrNoPassphrase = errors.New("keystore passphrase source required")

// LoadKey loads the signing key from whichever source the identity names.
// passphrase is only consulted for keystores.
func (i Identity) LoadKey(passphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if i.Type != IdentityPrivateKey {
		return nil, fmt.Errorf("identity type %q has no local key", i.Type)
	}
	switch {
	case i.PrivateKey != "":
		return crypto.PrivateKeyFromHex(i.PrivateKey)
	case i.PrivateKeyEnv != "":
		raw, ok := os.LookupEnv(i.PrivateKeyEnv)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("%s is not set", i.PrivateKeyEnv)
		}
		return crypto.PrivateKeyFromHex(raw)
	case i.PrivateKeyFile != "":
		raw, err := os.ReadFile(i.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		return crypto.PrivateKeyFromHex(string(raw))
	case i.KeystorePath != "":
		if passphrase == nil {
			return nil, ErrNoPassphrase
		}
		secret, err := passphrase()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(i.KeystorePath, secret)
	}
	return nil, errors.New("no private key source configured")
}

// WalletAccount returns the configured wallet account or the zero address.
func (i Identity) WalletAccount() common.Address {
	if i.Account == "" {
		return common.Address{}
	}
	return common.HexToAddress(i.Account)
}

// MPE returns the escrow contract address.
func (e Ethereum) MPE() common.Address { return common.HexToAddress(e.MPEAddress) }

// Token returns the token address, or the zero address when it should be
// read from the escrow contract.
func (e Ethereum) Token() common.Address {
	if e.TokenAddress == "" {
		return common.Address{}
	}
	return common.HexToAddress(e.TokenAddress)
}
