// Package store persists the client-side payment state that must survive
// restarts: the highest amount signed per channel and nonce, and the
// channel-discovery cursor per payment group.
package store

import (
	"context"
	"errors"
	"math/big"
)

// ErrWatermarkRegression is returned when a write would lower a watermark.
var ErrWatermarkRegression = errors.New("store: watermark may not decrease")

// Watermark is the highest amount this client has signed for a channel at a
// given nonce.
type Watermark struct {
	ChannelID    *big.Int
	Nonce        *big.Int
	SignedAmount *big.Int
}

// Discovery is the channel-discovery progress for one payment group.
type Discovery struct {
	// LastBlock is the block up to which ChannelOpen events have been read.
	LastBlock  uint64
	ChannelIDs []*big.Int
}

// Store is implemented by Memory and SQLite.
type Store interface {
	// Watermark returns the watermark for channelID at its highest stored
	// nonce. ok is false when nothing was ever signed for the channel.
	Watermark(ctx context.Context, channelID *big.Int) (w Watermark, ok bool, err error)
	// AdvanceWatermark stores w unless it is lower than the stored value:
	// an older nonce, or a smaller amount at the same nonce, yields
	// ErrWatermarkRegression.
	AdvanceWatermark(ctx context.Context, w Watermark) error
	Discovery(ctx context.Context, key string) (Discovery, error)
	SaveDiscovery(ctx context.Context, key string, d Discovery) error
	Close() error
}

func checkAdvance(stored, next Watermark) error {
	switch next.Nonce.Cmp(stored.Nonce) {
	case -1:
		return ErrWatermarkRegression
	case 0:
		if next.SignedAmount.Cmp(stored.SignedAmount) < 0 {
			return ErrWatermarkRegression
		}
	}
	return nil
}

func validWatermark(w Watermark) error {
	if w.ChannelID == nil || w.Nonce == nil || w.SignedAmount == nil {
		return errors.New("store: incomplete watermark")
	}
	if w.ChannelID.Sign() < 0 || w.Nonce.Sign() < 0 || w.SignedAmount.Sign() < 0 {
		return errors.New("store: negative watermark field")
	}
	return nil
}

func cloneWatermark(w Watermark) Watermark {
	return Watermark{
		ChannelID:    new(big.Int).Set(w.ChannelID),
		Nonce:        new(big.Int).Set(w.Nonce),
		SignedAmount: new(big.Int).Set(w.SignedAmount),
	}
}
