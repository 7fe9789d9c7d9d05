package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"snetpay/crypto"
)

// RPCCaller is the subset of rpc.Client used to talk to a wallet.
type RPCCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// WalletRPCIdentity delegates signing and transaction submission to a
// remote wallet over JSON-RPC (personal_sign, eth_sendTransaction). Keys
// never enter this process.
type WalletRPCIdentity struct {
	caller   RPCCaller
	receipts ReceiptFetcher
	account  common.Address
	opts     options
}

// NewWalletRPCIdentity builds an identity for account. receipts is used to
// wait for mining after submission.
func NewWalletRPCIdentity(caller RPCCaller, receipts ReceiptFetcher, account common.Address, opts ...Option) (*WalletRPCIdentity, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: wallet rpc client required", ErrNotConfigured)
	}
	if (account == common.Address{}) {
		return nil, fmt.Errorf("%w: wallet account required", ErrNotConfigured)
	}
	return &WalletRPCIdentity{
		caller:   caller,
		receipts: receipts,
		account:  account,
		opts:     buildOptions(opts),
	}, nil
}

// DialWallet connects to a wallet endpoint and selects account, or the first
// account the wallet exposes when account is the zero address.
func DialWallet(ctx context.Context, endpoint string, account common.Address, opts ...Option) (*WalletRPCIdentity, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: wallet endpoint required", ErrNotConfigured)
	}
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial wallet: %w", err)
	}
	if (account == common.Address{}) {
		var accounts []common.Address
		if err := client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
			client.Close()
			return nil, fmt.Errorf("eth_accounts: %w", err)
		}
		if len(accounts) == 0 {
			client.Close()
			return nil, fmt.Errorf("%w: wallet exposes no accounts", ErrNotConfigured)
		}
		account = accounts[0]
	}
	return NewWalletRPCIdentity(client, ethclient.NewClient(client), account, opts...)
}

// Address returns the wallet account in use.
func (w *WalletRPCIdentity) Address() common.Address {
	if w == nil {
		return common.Address{}
	}
	return w.account
}

// SignMessage asks the wallet to personal_sign the 32-byte digest.
func (w *WalletRPCIdentity) SignMessage(ctx context.Context, digest common.Hash) ([]byte, error) {
	if w == nil || w.caller == nil {
		return nil, ErrNotConfigured
	}
	var sig hexutil.Bytes
	if err := w.caller.CallContext(ctx, &sig, "personal_sign", hexutil.Bytes(digest.Bytes()), w.account); err != nil {
		return nil, fmt.Errorf("personal_sign: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrSignatureFormat, len(sig))
	}
	// Some wallets return a 0/1 recovery byte.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

type walletTx struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// SendTransaction asks the wallet to sign and broadcast req, then waits for
// the receipt.
func (w *WalletRPCIdentity) SendTransaction(ctx context.Context, req TxRequest) (*gethtypes.Receipt, error) {
	if w == nil || w.caller == nil || w.receipts == nil {
		return nil, ErrNotConfigured
	}
	tx := walletTx{From: w.account, To: req.To, Data: req.Data}
	if req.Value != nil && req.Value.Sign() > 0 {
		tx.Value = (*hexutil.Big)(new(big.Int).Set(req.Value))
	}
	if req.GasLimit > 0 {
		gas := hexutil.Uint64(req.GasLimit)
		tx.Gas = &gas
	}
	var hash common.Hash
	if err := w.caller.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return nil, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	w.opts.logger.Debug("transaction submitted via wallet",
		slog.String("tx_hash", hash.Hex()),
		slog.String("to", req.To.Hex()))
	return WaitForReceipt(ctx, w.receipts, hash, w.opts.policy)
}
