package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// Well-known development key (hardhat account #0).
const devKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var devAddress = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := PrivateKeyFromHex("0x" + devKeyHex)
	require.NoError(t, err)
	require.Equal(t, devAddress, key.Address())

	bare, err := PrivateKeyFromHex(devKeyHex)
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), bare.Bytes())

	_, err = PrivateKeyFromHex("0x1234")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSignPersonalRecovers(t *testing.T) {
	key, err := PrivateKeyFromHex(devKeyHex)
	require.NoError(t, err)

	digest := common.HexToHash("0xe8ce5786b776a725f2be8409129b4968275339aea8a7f317eab33deaddd28e71")
	sig, err := key.SignPersonal(digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverPersonal(digest, sig)
	require.NoError(t, err)
	require.Equal(t, devAddress, signer)

	other := common.HexToHash("0x01")
	signer, err = RecoverPersonal(other, sig)
	require.NoError(t, err)
	require.NotEqual(t, devAddress, signer)

	_, err = RecoverPersonal(digest, sig[:64])
	require.Error(t, err)
}

func TestKeystoreDefaultsToStandardScrypt(t *testing.T) {
	params := newKeystoreParams()
	require.Equal(t, keystore.StandardScryptN, params.scryptN)
	require.Equal(t, keystore.StandardScryptP, params.scryptP)

	light := newKeystoreParams(WithLightScrypt())
	require.Equal(t, keystore.LightScryptN, light.scryptN)
	require.Equal(t, keystore.LightScryptP, light.scryptP)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "wallet.json")
	addr, err := SaveToKeystore(path, key, "correct horse", WithLightScrypt())
	require.NoError(t, err)
	require.Equal(t, key.Address(), addr)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file struct {
		Crypto struct {
			KDFParams struct {
				N int `json:"n"`
				P int `json:"p"`
			} `json:"kdfparams"`
		} `json:"crypto"`
	}
	require.NoError(t, json.Unmarshal(raw, &file))
	require.Equal(t, keystore.LightScryptN, file.Crypto.KDFParams.N)

	loaded, err := LoadFromKeystore(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
