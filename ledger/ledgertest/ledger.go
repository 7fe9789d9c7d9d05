// Package ledgertest provides an in-memory escrow ledger that records every
// call, for tests of code built on ledger.Ledger.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"snetpay/ledger"
)

// Call is one recorded ledger transaction.
type Call struct {
	Op         string
	ChannelID  *big.Int
	Amount     *big.Int
	Expiration *big.Int
}

// Ledger is an in-memory MultiPartyEscrow. Every transaction mines one
// block. Transactions are sent from the account passed to New.
type Ledger struct {
	mu sync.Mutex

	address common.Address
	sender  common.Address
	block   uint64
	nextID  int64

	escrow   map[common.Address]*big.Int
	tokens   map[common.Address]*big.Int
	channels map[string]*ledger.ChannelInfo
	events   []ledger.OpenedChannel
	calls    []Call
	failures map[string]error
	txDelay  time.Duration
	reads    int
}

var (
	_ ledger.Ledger  = (*Ledger)(nil)
	_ ledger.Account = (*Ledger)(nil)
)

// New builds a ledger for the contract at address with transactions sent by
// sender. The chain starts at block 1.
func New(address, sender common.Address) *Ledger {
	return &Ledger{
		address:  address,
		sender:   sender,
		block:    1,
		escrow:   make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]*big.Int),
		channels: make(map[string]*ledger.ChannelInfo),
		failures: make(map[string]error),
	}
}

// SetEscrowBalance sets the escrow balance of addr.
func (l *Ledger) SetEscrowBalance(addr common.Address, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escrow[addr] = big.NewInt(amount)
}

// SetTokenBalance sets the ERC-20 balance of addr.
func (l *Ledger) SetTokenBalance(addr common.Address, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[addr] = big.NewInt(amount)
}

// SetBlock moves the chain head.
func (l *Ledger) SetBlock(block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block = block
}

// SetTxDelay makes every transaction sleep before it is applied, widening
// race windows in concurrency tests.
func (l *Ledger) SetTxDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txDelay = d
}

// FailNext makes the next transaction for op fail with err, or with a
// *ledger.TxError when err is nil.
func (l *Ledger) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		err = &ledger.TxError{Op: op, Hash: common.BytesToHash([]byte(op))}
	}
	l.failures[op] = err
}

// AddChannel registers an existing channel and its open event at the
// current block. Missing fields default to the ledger sender.
func (l *Ledger) AddChannel(info ledger.ChannelInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if (info.Sender == common.Address{}) {
		info.Sender = l.sender
	}
	if (info.Signer == common.Address{}) {
		info.Signer = info.Sender
	}
	if info.Nonce == nil {
		info.Nonce = new(big.Int)
	}
	if id := info.ChannelID.Int64(); id >= l.nextID {
		l.nextID = id + 1
	}
	l.storeChannel(&info)
}

// Claim simulates the recipient claiming amount from the channel: the value
// drops by amount and the nonce advances.
func (l *Ledger) Claim(channelID *big.Int, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[channelID.String()]
	if !ok {
		return ledger.ErrChannelNotFound
	}
	claimed := big.NewInt(amount)
	if ch.Value.Cmp(claimed) < 0 {
		return errors.New("ledgertest: claim exceeds channel value")
	}
	ch.Value = new(big.Int).Sub(ch.Value, claimed)
	ch.Nonce = new(big.Int).Add(ch.Nonce, big.NewInt(1))
	return nil
}

// Calls returns the recorded transactions in order.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// CallCount returns how many transactions were recorded for op.
func (l *Ledger) CallCount(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reads returns how many Channel lookups were served.
func (l *Ledger) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// Address implements ledger.Ledger.
func (l *Ledger) Address() common.Address { return l.address }

// BlockNumber implements ledger.Ledger.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

// Balance implements ledger.Ledger.
func (l *Ledger) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneOrZero(l.escrow[addr]), nil
}

// TokenBalance implements ledger.Account.
func (l *Ledger) TokenBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneOrZero(l.tokens[addr]), nil
}

// Channel implements ledger.Ledger.
func (l *Ledger) Channel(_ context.Context, channelID *big.Int) (*ledger.ChannelInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	ch, ok := l.channels[channelID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrChannelNotFound, channelID)
	}
	cp := *ch
	cp.ChannelID = new(big.Int).Set(ch.ChannelID)
	cp.Nonce = new(big.Int).Set(ch.Nonce)
	cp.Value = new(big.Int).Set(ch.Value)
	cp.Expiration = new(big.Int).Set(ch.Expiration)
	return &cp, nil
}

// ChannelsOpened implements ledger.Ledger.
func (l *Ledger) ChannelsOpened(_ context.Context, filter ledger.ChannelFilter) ([]ledger.OpenedChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.OpenedChannel
	for _, ev := range l.events {
		if ev.Sender != filter.Sender || ev.Recipient != filter.Recipient || ev.GroupID != filter.GroupID {
			continue
		}
		if (filter.Signer != common.Address{}) && ev.Signer != filter.Signer {
			continue
		}
		if ev.BlockNumber < filter.FromBlock {
			continue
		}
		if filter.ToBlock > 0 && ev.BlockNumber > filter.ToBlock {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// OpenChannel implements ledger.Ledger.
func (l *Ledger) OpenChannel(ctx context.Context, req ledger.OpenRequest) (*ledger.Receipt, error) {
	return l.transact(ctx, Call{Op: ledger.OpOpenChannel, Amount: req.Amount, Expiration: req.Expiration}, func() error {
		if err := l.debitEscrow(req.Amount); err != nil {
			return err
		}
		l.open(req)
		return nil
	})
}

// DepositAndOpenChannel implements ledger.Ledger.
func (l *Ledger) DepositAndOpenChannel(ctx context.Context, req ledger.OpenRequest) (*ledger.Receipt, error) {
	return l.transact(ctx, Call{Op: ledger.OpDepositAndOpenChannel, Amount: req.Amount, Expiration: req.Expiration}, func() error {
		if err := l.debitTokens(req.Amount); err != nil {
			return err
		}
		l.open(req)
		return nil
	})
}

// AddFunds implements ledger.Ledger.
func (l *Ledger) AddFunds(ctx context.Context, channelID, amount *big.Int) (*ledger.Receipt, error) {
	return l.transact(ctx, Call{Op: ledger.OpAddFunds, ChannelID: channelID, Amount: amount}, func() error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		if err := l.fundFromEscrow(amount); err != nil {
			return err
		}
		ch.Value = new(big.Int).Add(ch.Value, amount)
		return nil
	})
}

// Extend implements ledger.Ledger.
func (l *Ledger) Extend(ctx context.Context, channelID, expiration *big.Int) (*ledger.Receipt, error) {
	return l.transact(ctx, Call{Op: ledger.OpExtend, ChannelID: channelID, Expiration: expiration}, func() error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		if expiration.Cmp(ch.Expiration) < 0 {
			return errors.New("ledgertest: expiration can only grow")
		}
		ch.Expiration = new(big.Int).Set(expiration)
		return nil
	})
}

// ExtendAndAddFunds implements ledger.Ledger.
func (l *Ledger) ExtendAndAddFunds(ctx context.Context, channelID, expiration, amount *big.Int) (*ledger.Receipt, error) {
	return l.transact(ctx, Call{Op: ledger.OpExtendAndAddFunds, ChannelID: channelID, Amount: amount, Expiration: expiration}, func() error {
		ch, err := l.channel(channelID)
		if err != nil {
			return err
		}
		if expiration.Cmp(ch.Expiration) < 0 {
			return errors.New("ledgertest: expiration can only grow")
		}
		if err := l.fundFromEscrow(amount); err != nil {
			return err
		}
		ch.Expiration = new(big.Int).Set(expiration)
		ch.Value = new(big.Int).Add(ch.Value, amount)
		return nil
	})
}

// Deposit implements ledger.Account.
func (l *Ledger) Deposit(ctx context.Context, amount *big.Int) (*ledger.Receipt, error) {
	return l.transact(ctx, Call{Op: ledger.OpDeposit, Amount: amount}, func() error {
		if err := l.debitTokens(amount); err != nil {
			return err
		}
		l.escrow[l.sender] = new(big.Int).Add(cloneOrZero(l.escrow[l.sender]), amount)
		return nil
	})
}

// Withdraw implements ledger.Account.
func (l *Ledger) Withdraw(ctx context.Context, amount *big.Int) (*ledger.Receipt, error) {
	return l.transact(ctx, Call{Op: ledger.OpWithdraw, Amount: amount}, func() error {
		if err := l.debitEscrow(amount); err != nil {
			return err
		}
		l.tokens[l.sender] = new(big.Int).Add(cloneOrZero(l.tokens[l.sender]), amount)
		return nil
	})
}

func (l *Ledger) transact(ctx context.Context, call Call, apply func() error) (*ledger.Receipt, error) {
	if call.Amount != nil && call.Amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	l.mu.Lock()
	delay := l.txDelay
	l.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, cloneCall(call))
	if err, ok := l.failures[call.Op]; ok {
		delete(l.failures, call.Op)
		return nil, err
	}
	l.block++
	if err := apply(); err != nil {
		return nil, &ledger.TxError{Op: call.Op, Hash: txHash(l.block)}
	}
	return &ledger.Receipt{TxHash: txHash(l.block), BlockNumber: l.block}, nil
}

// fundFromEscrow mirrors the client behaviour of depositing any shortfall
// before moving escrow funds into a channel.
func (l *Ledger) fundFromEscrow(amount *big.Int) error {
	balance := cloneOrZero(l.escrow[l.sender])
	if balance.Cmp(amount) < 0 {
		shortfall := new(big.Int).Sub(amount, balance)
		if err := l.debitTokens(shortfall); err != nil {
			return err
		}
		l.calls = append(l.calls, Call{Op: ledger.OpDeposit, Amount: shortfall})
		l.escrow[l.sender] = new(big.Int).Add(balance, shortfall)
	}
	return l.debitEscrow(amount)
}

func (l *Ledger) debitEscrow(amount *big.Int) error {
	balance := cloneOrZero(l.escrow[l.sender])
	if balance.Cmp(amount) < 0 {
		return errors.New("ledgertest: insufficient escrow balance")
	}
	l.escrow[l.sender] = balance.Sub(balance, amount)
	return nil
}

func (l *Ledger) debitTokens(amount *big.Int) error {
	balance := cloneOrZero(l.tokens[l.sender])
	if balance.Cmp(amount) < 0 {
		return errors.New("ledgertest: insufficient token balance")
	}
	l.tokens[l.sender] = balance.Sub(balance, amount)
	return nil
}

func (l *Ledger) open(req ledger.OpenRequest) {
	info := &ledger.ChannelInfo{
		ChannelID:  big.NewInt(l.nextID),
		Nonce:      new(big.Int),
		Sender:     l.sender,
		Signer:     req.Signer,
		Recipient:  req.Recipient,
		GroupID:    req.GroupID,
		Value:      new(big.Int).Set(req.Amount),
		Expiration: new(big.Int).Set(req.Expiration),
	}
	l.nextID++
	l.storeChannel(info)
}

func (l *Ledger) storeChannel(info *ledger.ChannelInfo) {
	l.channels[info.ChannelID.String()] = info
	l.events = append(l.events, ledger.OpenedChannel{
		ChannelID:   new(big.Int).Set(info.ChannelID),
		Nonce:       new(big.Int).Set(info.Nonce),
		Sender:      info.Sender,
		Signer:      info.Signer,
		Recipient:   info.Recipient,
		GroupID:     info.GroupID,
		Amount:      new(big.Int).Set(info.Value),
		Expiration:  new(big.Int).Set(info.Expiration),
		BlockNumber: l.block,
	})
}

func (l *Ledger) channel(id *big.Int) (*ledger.ChannelInfo, error) {
	ch, ok := l.channels[id.String()]
	if !ok {
		return nil, ledger.ErrChannelNotFound
	}
	return ch, nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cloneCall(c Call) Call {
	clone := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	}
	return Call{Op: c.Op, ChannelID: clone(c.ChannelID), Amount: clone(c.Amount), Expiration: clone(c.Expiration)}
}

func txHash(block uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(block))
}
