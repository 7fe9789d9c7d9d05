package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an r || s || v signature.
const SignatureLength = crypto.SignatureLength

var errSignatureLength = errors.New("crypto: signature must be 65 bytes")

// SignPersonal signs digest as an Ethereum personal message: the key signs
// keccak256("\x19Ethereum Signed Message:\n32" || digest). The recovery byte
// is shifted to 27/28 so the result matches what wallets return from
// personal_sign.
func (k *PrivateKey) SignPersonal(digest common.Hash) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), k.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverPersonal returns the account that produced sig over digest with
// SignPersonal. Both 0/1 and 27/28 recovery bytes are accepted.
func RecoverPersonal(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, errSignatureLength
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
