// Package training signs the per-action authorizations sent with
// training-service calls, including the reusable "unified" authorization
// cached for a window of blocks.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/encoding/protowire"

	"snetpay/identity"
	"snetpay/mpe"
	"snetpay/observability"
	"snetpay/observability/logging"
)

// ErrReuseNotAllowed is returned when a reusable authorization is requested
// for an action that mutates state.
var ErrReuseNotAllowed = errors.New("training: reusable authorization only allowed for read-only actions")

// BlockSource reports the current block height.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// AuthorizationRequest proves the caller controls SignerAddress at
// CurrentBlock for the action named in Message.
type AuthorizationRequest struct {
	CurrentBlock  uint64
	Message       string
	Signature     []byte
	SignerAddress common.Address
}

// Marshal returns the protobuf wire encoding of the request as the
// AuthorizationDetails message embedded in training requests.
func (r AuthorizationRequest) Marshal() []byte {
	var b []byte
	if r.CurrentBlock != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, r.CurrentBlock)
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if len(r.Signature) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Signature)
	}
	if (r.SignerAddress != common.Address{}) {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, r.SignerAddress.Hex())
	}
	return b
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithCache shares a unified cache between authorizers. The cache's metrics
// are set when it is built, not by the authorizers using it.
func WithCache(c *UnifiedCache) Option {
	return func(a *Authorizer) {
		if c != nil {
			a.cache = c
		}
	}
}

// WithLogger sets the authorizer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authorizer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records cache hits and signing failures.
func WithMetrics(m *observability.PaymentMetrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// Authorizer signs training-service action authorizations.
type Authorizer struct {
	signer  identity.Signer
	blocks  BlockSource
	cache   *UnifiedCache
	logger  *slog.Logger
	metrics *observability.PaymentMetrics
}

// NewAuthorizer builds an authorizer signing with signer at the block
// reported by blocks.
func NewAuthorizer(signer identity.Signer, blocks BlockSource, opts ...Option) (*Authorizer, error) {
	if signer == nil || blocks == nil {
		return nil, identity.ErrNotConfigured
	}
	a := &Authorizer{
		signer: signer,
		blocks: blocks,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.cache == nil {
		a.cache = NewUnifiedCache(WithCacheMetrics(a.metrics))
	}
	a.logger = a.logger.With(slog.String("component", "training"))
	return a, nil
}

// Authorize returns an authorization for action. With reuse, the cached
// unified authorization for the signer is returned while it is less than
// ExpiryBlocks old; reuse is refused for actions that are not read-only.
// Without reuse the action tag itself is signed at the current block.
func (a *Authorizer) Authorize(ctx context.Context, action mpe.Action, reuse bool) (AuthorizationRequest, error) {
	if !action.Valid() {
		return AuthorizationRequest{}, fmt.Errorf("%w: %q", mpe.ErrUnknownAction, string(action))
	}
	if reuse && !action.ReadOnly() {
		return AuthorizationRequest{}, fmt.Errorf("%w: %s", ErrReuseNotAllowed, action)
	}
	block, err := a.blocks.BlockNumber(ctx)
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("training: block number: %w", err)
	}
	if reuse {
		return a.cache.Get(ctx, a.signer, block)
	}
	req, err := sign(ctx, a.signer, action, block)
	if err != nil {
		a.metrics.RecordSigningFailure("training")
		a.logger.Error("action signing failed", slog.String("action", string(action)), slog.Any("error", err))
		return AuthorizationRequest{}, err
	}
	a.logger.Debug("action signed",
		slog.String("action", string(action)),
		slog.Uint64("block", block),
		slog.String("signature", logging.Fingerprint(req.Signature)))
	return req, nil
}

func sign(ctx context.Context, signer identity.Signer, action mpe.Action, block uint64) (AuthorizationRequest, error) {
	caller := signer.Address()
	msg, err := mpe.ActionMessage(action, caller, block)
	if err != nil {
		return AuthorizationRequest{}, err
	}
	sig, err := signer.SignMessage(ctx, msg.Digest())
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("training: sign %s: %w", action, err)
	}
	return AuthorizationRequest{
		CurrentBlock:  block,
		Message:       string(action),
		Signature:     sig,
		SignerAddress: caller,
	}, nil
}
