package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrReceiptTimeout is returned when a transaction is not mined within the
// receipt policy's timeout.
var ErrReceiptTimeout = errors.New("identity: timed out waiting for receipt")

const (
	defaultReceiptTimeout      = 5 * time.Minute
	defaultReceiptPollInterval = time.Second
	maxReceiptPollInterval     = 15 * time.Second
)

// ReceiptFetcher is the subset of the Ethereum RPC needed to wait for mining.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// ReceiptPolicy bounds how long and how often WaitForReceipt polls.
type ReceiptPolicy struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func (p ReceiptPolicy) withDefaults() ReceiptPolicy {
	if p.Timeout <= 0 {
		p.Timeout = defaultReceiptTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = defaultReceiptPollInterval
	}
	return p
}

// WaitForReceipt polls for the receipt of txHash with exponential backoff.
// Only ethereum.NotFound is retried; any other RPC error ends the wait. The
// receipt is returned regardless of its status.
func WaitForReceipt(ctx context.Context, client ReceiptFetcher, txHash common.Hash, policy ReceiptPolicy) (*gethtypes.Receipt, error) {
	if client == nil {
		return nil, ErrNotConfigured
	}
	policy = policy.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.PollInterval
	bo.MaxInterval = maxReceiptPollInterval
	if bo.MaxInterval < policy.PollInterval {
		bo.MaxInterval = policy.PollInterval
	}
	bo.MaxElapsedTime = policy.Timeout
	bo.Reset()

	var receipt *gethtypes.Receipt
	op := func() error {
		r, err := client.TransactionReceipt(ctx, txHash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("fetch receipt %s: %w", txHash.Hex(), err))
		}
		if r == nil {
			return ethereum.NotFound
		}
		receipt = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, txHash.Hex(), policy.Timeout)
		}
		return nil, err
	}
	return receipt, nil
}
