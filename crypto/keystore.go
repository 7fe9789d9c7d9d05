package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

// ErrKeystoreAddressMismatch is returned when the decrypted key does not
// control the address recorded in the keystore file.
var ErrKeystoreAddressMismatch = errors.New("crypto: keystore address mismatch")

// KeystoreOption tunes SaveToKeystore.
type KeystoreOption func(*keystoreParams)

type keystoreParams struct {
	scryptN int
	scryptP int
}

func newKeystoreParams(opts ...KeystoreOption) keystoreParams {
	params := keystoreParams{scryptN: keystore.StandardScryptN, scryptP: keystore.StandardScryptP}
	for _, opt := range opts {
		if opt != nil {
			opt(&params)
		}
	}
	return params
}

// WithLightScrypt encrypts with the light scrypt parameters. Such files are
// far cheaper to brute force; use it for throwaway keys and tests only.
func WithLightScrypt() KeystoreOption {
	return func(p *keystoreParams) {
		p.scryptN = keystore.LightScryptN
		p.scryptP = keystore.LightScryptP
	}
}

// SaveToKeystore encrypts key into an Ethereum v3 keystore file at path
// using the standard scrypt parameters unless opts say otherwise. The
// parent directory is created with 0700 permissions and the file ends up 0600.
func SaveToKeystore(path string, key *PrivateKey, passphrase string, opts ...KeystoreOption) (common.Address, error) {
	if key == nil {
		return common.Address{}, errors.New("crypto: nil private key")
	}
	if strings.TrimSpace(path) == "" {
		return common.Address{}, errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return common.Address{}, err
	}

	// The keystore package picks its own file name; stage in a scratch dir
	// and rename into place.
	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return common.Address{}, err
	}
	defer os.RemoveAll(tmpDir)

	params := newKeystoreParams(opts...)
	ks := keystore.NewKeyStore(tmpDir, params.scryptN, params.scryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return common.Address{}, err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return common.Address{}, err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return common.Address{}, err
	}
	return account.Address, os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", filepath.Base(path), err)
	}

	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(keyJSON, &header); err == nil && header.Address != "" {
		if common.HexToAddress(header.Address) != decrypted.Address {
			return nil, ErrKeystoreAddressMismatch
		}
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
