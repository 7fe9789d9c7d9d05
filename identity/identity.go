// Package identity provides the signing capability used by the payment
// engine: personal-message signatures over 32-byte digests and submission of
// escrow transactions. Local keys and remote wallets are interchangeable
// behind the Identity interface.
package identity

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrNotConfigured is returned by methods on a nil or zero identity.
	ErrNotConfigured = errors.New("identity: not configured")
	// ErrSignatureFormat is returned when a wallet answers with a malformed signature.
	ErrSignatureFormat = errors.New("identity: malformed signature")
)

// Signer produces Ethereum personal-message signatures. The digest is the
// keccak256 of a packed message; implementations apply the
// "\x19Ethereum Signed Message:\n32" prefix themselves and return 65 bytes
// with a 27/28 recovery byte.
type Signer interface {
	Address() common.Address
	SignMessage(ctx context.Context, digest common.Hash) ([]byte, error)
}

// TxRequest describes a contract call to submit on behalf of the identity.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
}

// Identity is a Signer that can also submit transactions. SendTransaction
// blocks until the receipt is available (bounded by the receipt policy) and
// returns it whatever its status; callers decide how to treat reverts.
type Identity interface {
	Signer
	SendTransaction(ctx context.Context, req TxRequest) (*gethtypes.Receipt, error)
}

// FuncSigner adapts a callback into a Signer. Useful for hardware wallets and
// tests.
type FuncSigner struct {
	Account common.Address
	SignFn  func(ctx context.Context, digest common.Hash) ([]byte, error)
}

// Address implements Signer.
func (f FuncSigner) Address() common.Address { return f.Account }

// SignMessage implements Signer.
func (f FuncSigner) SignMessage(ctx context.Context, digest common.Hash) ([]byte, error) {
	if f.SignFn == nil {
		return nil, ErrNotConfigured
	}
	return f.SignFn(ctx, digest)
}
