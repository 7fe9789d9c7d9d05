// Package ledger models the MultiPartyEscrow contract as seen by a paying
// client: escrow balances, channel records, channel-open events and the
// transactions that open, fund and extend channels.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTransactionFailed is returned when a submitted transaction reverts.
	// Such failures are never retried automatically.
	ErrTransactionFailed = errors.New("ledger: transaction failed")
	// ErrChannelNotFound is returned when the contract has no record for a channel id.
	ErrChannelNotFound = errors.New("ledger: channel not found")
	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// TxError describes a reverted escrow transaction.
type TxError struct {
	Op      string
	Hash    common.Hash
	Receipt *gethtypes.Receipt
}

func (e *TxError) Error() string {
	return fmt.Sprintf("ledger: %s transaction %s failed", e.Op, e.Hash.Hex())
}

// Unwrap lets callers match with errors.Is(err, ErrTransactionFailed).
func (e *TxError) Unwrap() error { return ErrTransactionFailed }

// GroupID is the 32-byte payment group identifier.
type GroupID [32]byte

// Hex returns the 0x-prefixed hex form of the id.
func (g GroupID) Hex() string { return common.Hash(g).Hex() }

// ChannelInfo is the contract's record for one channel.
type ChannelInfo struct {
	ChannelID  *big.Int
	Nonce      *big.Int
	Sender     common.Address
	Signer     common.Address
	Recipient  common.Address
	GroupID    GroupID
	Value      *big.Int
	Expiration *big.Int
}

// OpenedChannel is a decoded ChannelOpen event.
type OpenedChannel struct {
	ChannelID   *big.Int
	Nonce       *big.Int
	Sender      common.Address
	Signer      common.Address
	Recipient   common.Address
	GroupID     GroupID
	Amount      *big.Int
	Expiration  *big.Int
	BlockNumber uint64
}

// ChannelFilter selects ChannelOpen events. Signer is matched after decoding
// because it is not an indexed topic.
type ChannelFilter struct {
	Sender    common.Address
	Signer    common.Address
	Recipient common.Address
	GroupID   GroupID
	FromBlock uint64
	// ToBlock bounds the scan; zero means latest.
	ToBlock uint64
}

// OpenRequest describes a new channel.
type OpenRequest struct {
	Signer     common.Address
	Recipient  common.Address
	GroupID    GroupID
	Amount     *big.Int
	Expiration *big.Int
}

// Operation names used in logs, metrics and TxError.Op.
const (
	OpApprove               = "approve"
	OpDeposit               = "deposit"
	OpWithdraw              = "withdraw"
	OpOpenChannel           = "open_channel"
	OpDepositAndOpenChannel = "deposit_and_open_channel"
	OpAddFunds              = "add_funds"
	OpExtend                = "extend"
	OpExtendAndAddFunds     = "extend_and_add_funds"
)

// Receipt summarises a mined escrow transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Ledger is the escrow contract as seen by the payment engine. Every
// transaction method blocks until the transaction is mined and returns a
// *TxError when it reverts.
type Ledger interface {
	// Address is the escrow contract address that claims commit to.
	Address() common.Address
	BlockNumber(ctx context.Context) (uint64, error)
	// Balance is the escrow (not token) balance of addr.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Channel(ctx context.Context, channelID *big.Int) (*ChannelInfo, error)
	ChannelsOpened(ctx context.Context, filter ChannelFilter) ([]OpenedChannel, error)

	OpenChannel(ctx context.Context, req OpenRequest) (*Receipt, error)
	DepositAndOpenChannel(ctx context.Context, req OpenRequest) (*Receipt, error)
	AddFunds(ctx context.Context, channelID, amount *big.Int) (*Receipt, error)
	Extend(ctx context.Context, channelID, expiration *big.Int) (*Receipt, error)
	ExtendAndAddFunds(ctx context.Context, channelID, expiration, amount *big.Int) (*Receipt, error)
}

// Account covers the escrow account operations that are not tied to a channel.
type Account interface {
	Deposit(ctx context.Context, amount *big.Int) (*Receipt, error)
	Withdraw(ctx context.Context, amount *big.Int) (*Receipt, error)
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
