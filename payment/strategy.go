// Package payment attaches payment proofs to outbound service calls. A
// Strategy produces the metadata for one call; the interceptors in this
// package call it for every unary and streaming RPC.
package payment

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"

	"google.golang.org/grpc/metadata"

	"snetpay/channel"
	"snetpay/mpe"
)

// ErrInvalidPrice is returned when a strategy is built without a positive price.
var ErrInvalidPrice = errors.New("payment: price must be positive")

// Grant is the metadata for one call plus the hook that ends the call's
// claim on its channel.
type Grant struct {
	MD metadata.MD

	once    sync.Once
	release func()
}

// NewGrant wraps md with a release hook. release may be nil.
func NewGrant(md metadata.MD, release func()) *Grant {
	return &Grant{MD: md, release: release}
}

// Release ends the call's claim. It is safe to call more than once.
func (g *Grant) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// PaymentType is the payment scheme named in the grant's headers.
func (g *Grant) PaymentType() string {
	if g == nil {
		return ""
	}
	if v := g.MD.Get(mpe.PaymentTypeHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Strategy produces the payment metadata for a call to method.
type Strategy interface {
	PaymentType() string
	Authorize(ctx context.Context, method string) (*Grant, error)
}

// EscrowStrategy pays each call with a fresh escrow claim for the fixed
// price. The claim's allowance slot is held until the call completes.
type EscrowStrategy struct {
	manager *channel.Manager
	price   *big.Int
}

// NewEscrowStrategy pays price per call from channels owned by manager.
func NewEscrowStrategy(manager *channel.Manager, price *big.Int) (*EscrowStrategy, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return &EscrowStrategy{manager: manager, price: new(big.Int).Set(price)}, nil
}

// PaymentType implements Strategy.
func (s *EscrowStrategy) PaymentType() string { return mpe.PaymentTypeEscrow }

// Authorize implements Strategy.
func (s *EscrowStrategy) Authorize(ctx context.Context, _ string) (*Grant, error) {
	auth, err := s.manager.Authorize(ctx, s.price)
	if err != nil {
		return nil, err
	}
	return NewGrant(EscrowMetadata(auth), auth.Release), nil
}

// EscrowMetadata renders an authorization as daemon headers.
func EscrowMetadata(auth *channel.Authorization) metadata.MD {
	return metadata.MD{
		mpe.PaymentTypeHeader:             {mpe.PaymentTypeEscrow},
		mpe.PaymentChannelIDHeader:        {auth.ChannelID.String()},
		mpe.PaymentChannelNonceHeader:     {auth.Nonce.String()},
		mpe.PaymentChannelAmountHeader:    {auth.Amount.String()},
		mpe.PaymentChannelSignatureHeader: {string(auth.Signature)},
		mpe.PaymentMPEAddressHeader:       {auth.MPEAddress.Hex()},
	}
}

func prepaidMetadata(channelID, nonce *big.Int, token string) metadata.MD {
	return metadata.MD{
		mpe.PaymentTypeHeader:         {mpe.PaymentTypePrepaidCall},
		mpe.PaymentChannelIDHeader:    {channelID.String()},
		mpe.PaymentChannelNonceHeader: {nonce.String()},
		mpe.PrepaidAuthTokenHeader:    {token},
	}
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
