package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"snetpay/crypto"
)

// Backend is the subset of ethclient.Client used to build, sign and submit
// transactions from a local key.
type Backend interface {
	ReceiptFetcher
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// Option configures an identity.
type Option func(*options)

type options struct {
	policy  ReceiptPolicy
	logger  *slog.Logger
	chainID *big.Int
}

// WithReceiptPolicy bounds the receipt wait after each submission.
func WithReceiptPolicy(policy ReceiptPolicy) Option {
	return func(o *options) { o.policy = policy }
}

// WithLogger sets the logger used for submission diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithChainID pins the chain id instead of asking the backend.
func WithChainID(id *big.Int) Option {
	return func(o *options) {
		if id != nil && id.Sign() > 0 {
			o.chainID = new(big.Int).Set(id)
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// PrivateKeyIdentity signs with a key held in process memory and submits
// transactions through a Backend.
type PrivateKeyIdentity struct {
	key     *crypto.PrivateKey
	backend Backend
	opts    options

	// txMu keeps nonce lookup and submission atomic for this account.
	txMu sync.Mutex
}

// NewPrivateKeyIdentity wraps key. backend may be nil for sign-only use.
func NewPrivateKeyIdentity(key *crypto.PrivateKey, backend Backend, opts ...Option) (*PrivateKeyIdentity, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("%w: private key required", ErrNotConfigured)
	}
	o := buildOptions(opts)
	return &PrivateKeyIdentity{
		key:     key,
		backend: backend,
		opts:    o,
	}, nil
}

// Address returns the account controlled by the key.
func (p *PrivateKeyIdentity) Address() common.Address {
	if p == nil || p.key == nil {
		return common.Address{}
	}
	return p.key.Address()
}

// SignMessage signs digest as a personal message.
func (p *PrivateKeyIdentity) SignMessage(ctx context.Context, digest common.Hash) ([]byte, error) {
	if p == nil || p.key == nil {
		return nil, ErrNotConfigured
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return p.key.SignPersonal(digest)
}

// SendTransaction signs req as a legacy transaction, submits it and waits
// for the receipt.
func (p *PrivateKeyIdentity) SendTransaction(ctx context.Context, req TxRequest) (*gethtypes.Receipt, error) {
	if p == nil || p.key == nil || p.backend == nil {
		return nil, ErrNotConfigured
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx, err := p.submit(ctx, req, value)
	if err != nil {
		return nil, err
	}
	p.opts.logger.Debug("transaction submitted",
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.String("to", req.To.Hex()),
		slog.Uint64("nonce", tx.Nonce()))

	return WaitForReceipt(ctx, p.backend, tx.Hash(), p.opts.policy)
}

func (p *PrivateKeyIdentity) submit(ctx context.Context, req TxRequest, value *big.Int) (*gethtypes.Transaction, error) {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	from := p.Address()
	chainID := p.opts.chainID
	if chainID == nil {
		id, err := p.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		chainID = id
	}
	nonce, err := p.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas := req.GasLimit
	if gas == 0 {
		to := req.To
		gas, err = p.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &req.To,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), p.key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}
