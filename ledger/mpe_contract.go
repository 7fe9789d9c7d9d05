package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"snetpay/identity"
	"snetpay/observability"
)

const tracerName = "snetpay/ledger"

// ContractBackend is the subset of ethclient.Client used for reads and log
// scans.
type ContractBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// DialBackend initialises an EVM RPC client for the provided endpoint.
func DialBackend(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Option configures an MPEContract.
type Option func(*MPEContract)

// WithLogger sets the logger used for transaction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *MPEContract) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records transaction outcomes.
func WithMetrics(m *observability.PaymentMetrics) Option {
	return func(c *MPEContract) { c.metrics = m }
}

// WithTokenAddress pins the ERC-20 escrow token instead of reading token()
// from the contract.
func WithTokenAddress(token common.Address) Option {
	return func(c *MPEContract) {
		if (token != common.Address{}) {
			c.token = token
		}
	}
}

// MPEContract implements Ledger and Account against a deployed
// MultiPartyEscrow contract.
type MPEContract struct {
	address  common.Address
	backend  ContractBackend
	identity identity.Identity
	logger   *slog.Logger
	metrics  *observability.PaymentMetrics
	tracer   trace.Tracer

	tokenMu sync.Mutex
	token   common.Address
}

var (
	_ Ledger  = (*MPEContract)(nil)
	_ Account = (*MPEContract)(nil)
)

// NewMPEContract binds the contract at address. id submits transactions and
// is also the account whose allowance and balance are managed.
func NewMPEContract(address common.Address, backend ContractBackend, id identity.Identity, opts ...Option) (*MPEContract, error) {
	if (address == common.Address{}) {
		return nil, fmt.Errorf("ledger: escrow contract address required")
	}
	if backend == nil {
		return nil, fmt.Errorf("ledger: contract backend required")
	}
	c := &MPEContract{
		address:  address,
		backend:  backend,
		identity: id,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Address returns the escrow contract address.
func (c *MPEContract) Address() common.Address { return c.address }

// BlockNumber returns the latest block height.
func (c *MPEContract) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// Balance returns the escrow balance of addr.
func (c *MPEContract) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := c.call(ctx, mpeABI, c.address, "balances", addr)
	if err != nil {
		return nil, err
	}
	return bigOutput(out, 0)
}

// Channel reads the channel record for channelID.
func (c *MPEContract) Channel(ctx context.Context, channelID *big.Int) (*ChannelInfo, error) {
	out, err := c.call(ctx, mpeABI, c.address, "channels", channelID)
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("ledger: channels returned %d values", len(out))
	}
	info := &ChannelInfo{ChannelID: new(big.Int).Set(channelID)}
	var ok [7]bool
	info.Nonce, ok[0] = out[0].(*big.Int)
	info.Sender, ok[1] = out[1].(common.Address)
	info.Signer, ok[2] = out[2].(common.Address)
	info.Recipient, ok[3] = out[3].(common.Address)
	var group [32]byte
	group, ok[4] = out[4].([32]byte)
	info.GroupID = GroupID(group)
	info.Value, ok[5] = out[5].(*big.Int)
	info.Expiration, ok[6] = out[6].(*big.Int)
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("ledger: channels output %d has type %T", i, out[i])
		}
	}
	if (info.Sender == common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return info, nil
}

// ChannelsOpened scans ChannelOpen events matching filter.
func (c *MPEContract) ChannelsOpened(ctx context.Context, filter ChannelFilter) ([]OpenedChannel, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.channels_opened", trace.WithAttributes(
		attribute.Int64("from_block", int64(filter.FromBlock)),
	))
	defer span.End()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{
			{ChannelOpenTopic},
			{common.BytesToHash(filter.Sender.Bytes())},
			{common.BytesToHash(filter.Recipient.Bytes())},
			{common.Hash(filter.GroupID)},
		},
	}
	if filter.ToBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(filter.ToBlock)
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "filter logs")
		return nil, fmt.Errorf("ledger: filter ChannelOpen: %w", err)
	}

	opened := make([]OpenedChannel, 0, len(logs))
	for i := range logs {
		ev, err := decodeChannelOpen(&logs[i])
		if err != nil {
			return nil, err
		}
		if (filter.Signer != common.Address{}) && ev.Signer != filter.Signer {
			continue
		}
		opened = append(opened, ev)
	}
	span.SetAttributes(attribute.Int("channels", len(opened)))
	return opened, nil
}

func decodeChannelOpen(log *gethtypes.Log) (OpenedChannel, error) {
	if len(log.Topics) != 4 || log.Topics[0] != ChannelOpenTopic {
		return OpenedChannel{}, fmt.Errorf("ledger: unexpected log in tx %s", log.TxHash.Hex())
	}
	values, err := mpeABI.Unpack("ChannelOpen", log.Data)
	if err != nil {
		return OpenedChannel{}, fmt.Errorf("ledger: decode ChannelOpen: %w", err)
	}
	if len(values) != 5 {
		return OpenedChannel{}, fmt.Errorf("ledger: ChannelOpen carried %d values", len(values))
	}
	ev := OpenedChannel{
		Sender:      common.BytesToAddress(log.Topics[1].Bytes()),
		Recipient:   common.BytesToAddress(log.Topics[2].Bytes()),
		GroupID:     GroupID(log.Topics[3]),
		BlockNumber: log.BlockNumber,
	}
	var ok [5]bool
	ev.ChannelID, ok[0] = values[0].(*big.Int)
	ev.Nonce, ok[1] = values[1].(*big.Int)
	ev.Signer, ok[2] = values[2].(common.Address)
	ev.Amount, ok[3] = values[3].(*big.Int)
	ev.Expiration, ok[4] = values[4].(*big.Int)
	for i, good := range ok {
		if !good {
			return OpenedChannel{}, fmt.Errorf("ledger: ChannelOpen value %d has type %T", i, values[i])
		}
	}
	return ev, nil
}

// OpenChannel opens a channel funded from the existing escrow balance.
func (c *MPEContract) OpenChannel(ctx context.Context, req OpenRequest) (*Receipt, error) {
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	return c.transact(ctx, OpOpenChannel, c.address, mpeABI, "openChannel",
		req.Signer, req.Recipient, [32]byte(req.GroupID), req.Amount, req.Expiration)
}

// DepositAndOpenChannel moves tokens into escrow and opens a channel in one
// transaction, approving the transfer first when the allowance is short.
func (c *MPEContract) DepositAndOpenChannel(ctx context.Context, req OpenRequest) (*Receipt, error) {
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := c.ensureAllowance(ctx, req.Amount); err != nil {
		return nil, err
	}
	return c.transact(ctx, OpDepositAndOpenChannel, c.address, mpeABI, "depositAndOpenChannel",
		req.Signer, req.Recipient, [32]byte(req.GroupID), req.Amount, req.Expiration)
}

// AddFunds tops up channelID, first depositing any escrow shortfall.
func (c *MPEContract) AddFunds(ctx context.Context, channelID, amount *big.Int) (*Receipt, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := c.coverShortfall(ctx, amount); err != nil {
		return nil, err
	}
	return c.transact(ctx, OpAddFunds, c.address, mpeABI, "channelAddFunds", channelID, amount)
}

// Extend moves the channel expiration to expiration.
func (c *MPEContract) Extend(ctx context.Context, channelID, expiration *big.Int) (*Receipt, error) {
	if expiration == nil || expiration.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: expiration must be positive")
	}
	return c.transact(ctx, OpExtend, c.address, mpeABI, "channelExtend", channelID, expiration)
}

// ExtendAndAddFunds extends and tops up channelID in one transaction.
func (c *MPEContract) ExtendAndAddFunds(ctx context.Context, channelID, expiration, amount *big.Int) (*Receipt, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := c.coverShortfall(ctx, amount); err != nil {
		return nil, err
	}
	return c.transact(ctx, OpExtendAndAddFunds, c.address, mpeABI, "channelExtendAndAddFunds", channelID, expiration, amount)
}

// Deposit moves amount tokens into the escrow account.
func (c *MPEContract) Deposit(ctx context.Context, amount *big.Int) (*Receipt, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := c.ensureAllowance(ctx, amount); err != nil {
		return nil, err
	}
	return c.transact(ctx, OpDeposit, c.address, mpeABI, "deposit", amount)
}

// Withdraw moves amount tokens out of the escrow account.
func (c *MPEContract) Withdraw(ctx context.Context, amount *big.Int) (*Receipt, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	return c.transact(ctx, OpWithdraw, c.address, mpeABI, "withdraw", amount)
}

// TokenBalance returns the ERC-20 balance of addr.
func (c *MPEContract) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	token, err := c.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, erc20ABI, token, "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	return bigOutput(out, 0)
}

func (c *MPEContract) coverShortfall(ctx context.Context, amount *big.Int) error {
	owner, err := c.owner()
	if err != nil {
		return err
	}
	balance, err := c.Balance(ctx, owner)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) >= 0 {
		return nil
	}
	shortfall := new(big.Int).Sub(amount, balance)
	c.logger.Info("depositing escrow shortfall",
		slog.String("component", "ledger"),
		slog.String("amount", shortfall.String()))
	_, err = c.Deposit(ctx, shortfall)
	return err
}

func (c *MPEContract) ensureAllowance(ctx context.Context, amount *big.Int) error {
	owner, err := c.owner()
	if err != nil {
		return err
	}
	token, err := c.tokenAddress(ctx)
	if err != nil {
		return err
	}
	out, err := c.call(ctx, erc20ABI, token, "allowance", owner, c.address)
	if err != nil {
		return err
	}
	allowance, err := bigOutput(out, 0)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	_, err = c.transact(ctx, OpApprove, token, erc20ABI, "approve", c.address, amount)
	return err
}

func (c *MPEContract) tokenAddress(ctx context.Context) (common.Address, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if (c.token != common.Address{}) {
		return c.token, nil
	}
	out, err := c.call(ctx, mpeABI, c.address, "token")
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("ledger: token returned %d values", len(out))
	}
	token, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: token returned %T", out[0])
	}
	c.token = token
	return token, nil
}

func (c *MPEContract) owner() (common.Address, error) {
	if c.identity == nil {
		return common.Address{}, fmt.Errorf("ledger: identity required for transactions")
	}
	return c.identity.Address(), nil
}

func (c *MPEContract) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	if c.identity != nil {
		msg.From = c.identity.Address()
	}
	raw, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *MPEContract) transact(ctx context.Context, op string, to common.Address, contract abi.ABI, method string, args ...any) (receipt *Receipt, err error) {
	ctx, span := c.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attribute.String("method", method)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, op)
		}
		span.End()
		c.metrics.RecordLedgerTx(op, err)
	}()

	if c.identity == nil {
		return nil, fmt.Errorf("ledger: identity required for transactions")
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	raw, err := c.identity.SendTransaction(ctx, identity.TxRequest{To: to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: %w", op, err)
	}
	if raw.Status != gethtypes.ReceiptStatusSuccessful {
		c.logger.Error("escrow transaction reverted",
			slog.String("component", "ledger"),
			slog.String("op", op),
			slog.String("tx_hash", raw.TxHash.Hex()))
		return nil, &TxError{Op: op, Hash: raw.TxHash, Receipt: raw}
	}
	receipt = &Receipt{TxHash: raw.TxHash}
	if raw.BlockNumber != nil {
		receipt.BlockNumber = raw.BlockNumber.Uint64()
	}
	span.SetAttributes(attribute.String("tx_hash", receipt.TxHash.Hex()))
	c.logger.Info("escrow transaction mined",
		slog.String("component", "ledger"),
		slog.String("op", op),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber))
	return receipt, nil
}

func bigOutput(out []any, idx int) (*big.Int, error) {
	if len(out) <= idx {
		return nil, fmt.Errorf("ledger: missing output %d", idx)
	}
	v, ok := out[idx].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: output %d has type %T", idx, out[idx])
	}
	return v, nil
}
