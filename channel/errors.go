package channel

import "errors"

var (
	// ErrSigningFailed wraps signer errors. The channel watermark is left
	// untouched when it is returned.
	ErrSigningFailed = errors.New("channel: signing failed")
	// ErrInsufficientFunds is returned when the next authorization would
	// exceed the channel's deposited total.
	ErrInsufficientFunds = errors.New("channel: insufficient channel funds")
	// ErrInvalidPrice is returned for nil, zero or negative prices.
	ErrInvalidPrice = errors.New("channel: price must be positive")
	// ErrNotSynced is returned when a channel is used before its first sync.
	ErrNotSynced = errors.New("channel: state not synced")
	// ErrChannelNotDiscovered is returned when a newly opened channel cannot
	// be found in the ledger's events.
	ErrChannelNotDiscovered = errors.New("channel: opened channel not found in ledger events")
)
