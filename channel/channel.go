// Package channel implements the client side of escrow payment channels:
// the cached channel view, the channel selection policy, the per-channel
// authorization gate and the manager that discovers, funds and refreshes
// channels for one payment group.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"snetpay/daemon"
	"snetpay/ledger"
	"snetpay/store"
)

// StateSource reports the counter-party's view of a channel.
// *daemon.Client implements it.
type StateSource interface {
	ChannelState(ctx context.Context, channelID *big.Int) (*daemon.ChannelStateReply, error)
}

// State is a point-in-time copy of a channel's cached state.
type State struct {
	ChannelID  *big.Int
	Nonce      *big.Int
	Total      *big.Int
	Expiration *big.Int
	// Signed is the highest amount this client has authorized at Nonce.
	Signed *big.Int
	// RemoteSigned is the amount the daemon last reported at Nonce.
	RemoteSigned *big.Int
	// Available is Total minus the larger of Signed and RemoteSigned.
	Available *big.Int
	Signer    common.Address
	Recipient common.Address
	GroupID   ledger.GroupID
}

// Channel is the cached view of one escrow channel plus the highest amount
// this client has signed on it. Methods are safe for concurrent use.
type Channel struct {
	id     *big.Int
	ledger ledger.Ledger
	remote StateSource
	store  store.Store
	logger *slog.Logger

	mu           sync.RWMutex
	synced       bool
	nonce        *big.Int
	total        *big.Int
	expiration   *big.Int
	signed       *big.Int
	remoteSigned *big.Int
	signer       common.Address
	recipient    common.Address
	group        ledger.GroupID

	// signMu is the per-channel gate: it is held from reading the
	// watermark until the next amount is committed.
	signMu sync.Mutex
	// inflight bounds outstanding authorizations on this channel.
	inflight *semaphore.Weighted
}

// NewChannel returns an unsynced channel. remote may be nil, in which case
// only the ledger and the local watermark are consulted.
func NewChannel(id *big.Int, l ledger.Ledger, remote StateSource, s store.Store, callAllowance int64, logger *slog.Logger) *Channel {
	if callAllowance <= 0 {
		callAllowance = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if s == nil {
		s = store.NewMemory()
	}
	return &Channel{
		id:           new(big.Int).Set(id),
		ledger:       l,
		remote:       remote,
		store:        s,
		logger:       logger.With(slog.String("channel_id", id.String())),
		nonce:        new(big.Int),
		total:        new(big.Int),
		expiration:   new(big.Int),
		signed:       new(big.Int),
		remoteSigned: new(big.Int),
		inflight:     semaphore.NewWeighted(callAllowance),
	}
}

// ID returns the ledger-assigned channel id.
func (c *Channel) ID() *big.Int { return new(big.Int).Set(c.id) }

// State returns a copy of the cached state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		ChannelID:    new(big.Int).Set(c.id),
		Nonce:        new(big.Int).Set(c.nonce),
		Total:        new(big.Int).Set(c.total),
		Expiration:   new(big.Int).Set(c.expiration),
		Signed:       new(big.Int).Set(c.signed),
		RemoteSigned: new(big.Int).Set(c.remoteSigned),
		Available:    c.availableLocked(),
		Signer:       c.signer,
		Recipient:    c.recipient,
		GroupID:      c.group,
	}
}

// Synced reports whether SyncState has completed at least once.
func (c *Channel) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// AvailableAmount is the deposited total minus the highest known signed
// amount. It may be negative for a channel in an invalid state.
func (c *Channel) AvailableAmount() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availableLocked()
}

func (c *Channel) availableLocked() *big.Int {
	used := c.signed
	if c.remoteSigned.Cmp(used) > 0 {
		used = c.remoteSigned
	}
	return new(big.Int).Sub(c.total, used)
}

// HasSufficientFunds reports whether amount fits in the available balance.
func (c *Channel) HasSufficientFunds(amount *big.Int) bool {
	return c.AvailableAmount().Cmp(amount) >= 0
}

// IsValid reports whether the channel expires strictly after expiryBlock.
func (c *Channel) IsValid(expiryBlock *big.Int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiration.Cmp(expiryBlock) > 0
}

// SyncState re-reads the ledger record and the daemon's view of the
// channel. The daemon's signed amount only seeds the local watermark when
// nothing was signed locally at the current nonce; after that it is used for
// selection but never for signing.
func (c *Channel) SyncState(ctx context.Context) error {
	info, err := c.ledger.Channel(ctx, c.id)
	if err != nil {
		return fmt.Errorf("channel %s: read ledger: %w", c.id, err)
	}

	nonce := new(big.Int).Set(info.Nonce)
	total := new(big.Int).Set(info.Value)
	remoteSigned := new(big.Int)
	if c.remote != nil {
		reply, err := c.remote.ChannelState(ctx, c.id)
		if err != nil {
			return fmt.Errorf("channel %s: read daemon state: %w", c.id, err)
		}
		switch reply.CurrentNonce.Cmp(nonce) {
		case 0:
			remoteSigned.Set(reply.CurrentSignedAmount)
		case 1:
			// A claim for the old nonce is in flight: the daemon has moved
			// on but the ledger value still includes the claimed amount.
			nonce.Set(reply.CurrentNonce)
			remoteSigned.Set(reply.CurrentSignedAmount)
			if reply.OldNonceSignedAmount != nil {
				total.Sub(total, reply.OldNonceSignedAmount)
			}
		}
	}

	stored, haveStored, err := c.store.Watermark(ctx, c.id)
	if err != nil {
		return fmt.Errorf("channel %s: read watermark: %w", c.id, err)
	}
	localSigned := new(big.Int)
	switch {
	case haveStored && stored.Nonce.Cmp(nonce) == 0:
		localSigned.Set(stored.SignedAmount)
	case haveStored && stored.Nonce.Cmp(nonce) > 0:
		c.logger.Warn("local watermark ahead of ledger nonce",
			slog.String("component", "channel"),
			slog.String("nonce", nonce.String()),
			slog.String("local_nonce", stored.Nonce.String()))
		nonce.Set(stored.Nonce)
		localSigned.Set(stored.SignedAmount)
	default:
		// Nothing signed locally at this nonce: adopt the daemon's amount.
		localSigned.Set(remoteSigned)
		if localSigned.Sign() > 0 {
			if err := c.store.AdvanceWatermark(ctx, store.Watermark{ChannelID: c.id, Nonce: nonce, SignedAmount: localSigned}); err != nil {
				return fmt.Errorf("channel %s: seed watermark: %w", c.id, err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch nonce.Cmp(c.nonce) {
	case 1:
		c.nonce = nonce
		c.signed = localSigned
	case 0:
		if localSigned.Cmp(c.signed) > 0 {
			c.signed = localSigned
		}
	default:
		// The cached nonce is newer than what we just read; keep it.
		if c.synced {
			return nil
		}
	}
	c.total = total
	c.expiration = new(big.Int).Set(info.Expiration)
	c.remoteSigned = remoteSigned
	c.signer = info.Signer
	c.recipient = info.Recipient
	c.group = info.GroupID
	c.synced = true
	return nil
}

// AddFunds tops up the channel and re-syncs it.
func (c *Channel) AddFunds(ctx context.Context, amount *big.Int) (*ledger.Receipt, error) {
	receipt, err := c.ledger.AddFunds(ctx, c.id, amount)
	if err != nil {
		return nil, err
	}
	return receipt, c.SyncState(ctx)
}

// ExtendExpiration moves the expiration to block and re-syncs the channel.
func (c *Channel) ExtendExpiration(ctx context.Context, block *big.Int) (*ledger.Receipt, error) {
	receipt, err := c.ledger.Extend(ctx, c.id, block)
	if err != nil {
		return nil, err
	}
	return receipt, c.SyncState(ctx)
}

// ExtendAndAddFunds does both in one ledger transaction and re-syncs.
func (c *Channel) ExtendAndAddFunds(ctx context.Context, block, amount *big.Int) (*ledger.Receipt, error) {
	receipt, err := c.ledger.ExtendAndAddFunds(ctx, c.id, block, amount)
	if err != nil {
		return nil, err
	}
	return receipt, c.SyncState(ctx)
}

// snapshot returns the values the gate signs against. Callers hold signMu.
func (c *Channel) snapshot() (nonce, signed, total *big.Int, synced bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.nonce), new(big.Int).Set(c.signed), new(big.Int).Set(c.total), c.synced
}

// commit advances the in-memory watermark after a successful sign. Callers
// hold signMu.
func (c *Channel) commit(nonce, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nonce.Cmp(c.nonce) == 0 && amount.Cmp(c.signed) > 0 {
		c.signed = new(big.Int).Set(amount)
	}
}
