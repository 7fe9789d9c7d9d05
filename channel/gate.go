package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"snetpay/identity"
	"snetpay/mpe"
	"snetpay/observability"
	"snetpay/observability/logging"
	"snetpay/store"
)

// Claim is an escrow claim about to be signed.
type Claim struct {
	MPEAddress common.Address
	ChannelID  *big.Int
	Nonce      *big.Int
	Amount     *big.Int
	Message    mpe.Message
}

// ClaimSigner signs a claim. It replaces the identity's personal-message
// signature when claims are produced elsewhere, and still runs inside the
// gate.
type ClaimSigner func(ctx context.Context, claim Claim) ([]byte, error)

// Authorization is one signed step on a channel. Release must be called
// once the call it pays for has completed; until then it counts against the
// channel's outstanding-call allowance.
type Authorization struct {
	MPEAddress common.Address
	ChannelID  *big.Int
	Nonce      *big.Int
	Amount     *big.Int
	Signature  []byte

	once    sync.Once
	release func()
}

// Release returns the allowance slot. Calls after the first are no-ops.
func (a *Authorization) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.release != nil {
			a.release()
		}
	})
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClaimSigner overrides how claims are signed.
func WithClaimSigner(fn ClaimSigner) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.sign = fn
		}
	}
}

// WithGateLogger sets the gate logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGateMetrics records authorization outcomes.
func WithGateMetrics(m *observability.PaymentMetrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// Gate derives and signs the next authorization step on a channel. For a
// given channel, reading the watermark, signing the next amount and
// committing it happen under one lock, so concurrent callers always receive
// distinct, increasing amounts.
type Gate struct {
	mpeAddress common.Address
	sign       ClaimSigner
	logger     *slog.Logger
	metrics    *observability.PaymentMetrics
}

// NewGate builds a gate signing claims for the escrow contract at
// mpeAddress with signer.
func NewGate(mpeAddress common.Address, signer identity.Signer, opts ...GateOption) *Gate {
	g := &Gate{
		mpeAddress: mpeAddress,
		logger:     slog.Default(),
	}
	if signer != nil {
		g.sign = func(ctx context.Context, claim Claim) ([]byte, error) {
			return signer.SignMessage(ctx, claim.Message.Digest())
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Authorize signs signed+increment on ch and commits it as the new
// watermark. It waits for a free allowance slot first. On any error the
// watermark is unchanged and no slot is held.
func (g *Gate) Authorize(ctx context.Context, ch *Channel, increment *big.Int) (auth *Authorization, err error) {
	if increment == nil || increment.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if g.sign == nil {
		return nil, fmt.Errorf("%w: no signer configured", ErrSigningFailed)
	}
	start := time.Now()
	defer func() {
		g.metrics.RecordAuthorization(mpe.PaymentTypeEscrow, time.Since(start), err)
	}()

	if err := ch.inflight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	releaseSlot := func() { ch.inflight.Release(1) }

	auth, err = g.step(ctx, ch, increment)
	if err != nil {
		releaseSlot()
		return nil, err
	}
	auth.release = releaseSlot
	return auth, nil
}

func (g *Gate) step(ctx context.Context, ch *Channel, increment *big.Int) (*Authorization, error) {
	ch.signMu.Lock()
	defer ch.signMu.Unlock()

	nonce, signed, total, synced := ch.snapshot()
	if !synced {
		return nil, ErrNotSynced
	}
	next := new(big.Int).Add(signed, increment)
	if next.Cmp(total) > 0 {
		return nil, fmt.Errorf("%w: channel %s would sign %s of %s", ErrInsufficientFunds, ch.id, next, total)
	}

	msg, err := mpe.ClaimMessage(g.mpeAddress, ch.id, nonce, next)
	if err != nil {
		return nil, err
	}
	sig, err := g.sign(ctx, Claim{
		MPEAddress: g.mpeAddress,
		ChannelID:  new(big.Int).Set(ch.id),
		Nonce:      new(big.Int).Set(nonce),
		Amount:     new(big.Int).Set(next),
		Message:    msg,
	})
	if err != nil {
		g.metrics.RecordSigningFailure("channel")
		g.logger.Error("claim signing failed",
			slog.String("component", "channel"),
			slog.String("channel_id", ch.id.String()),
			slog.String("amount", next.String()),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	err = ch.store.AdvanceWatermark(ctx, store.Watermark{ChannelID: ch.id, Nonce: nonce, SignedAmount: next})
	if err != nil {
		if errors.Is(err, store.ErrWatermarkRegression) {
			return nil, fmt.Errorf("channel %s: stale watermark: %w", ch.id, err)
		}
		return nil, fmt.Errorf("channel %s: persist watermark: %w", ch.id, err)
	}
	ch.commit(nonce, next)

	g.logger.Debug("claim signed",
		slog.String("component", "channel"),
		slog.String("channel_id", ch.id.String()),
		slog.String("nonce", nonce.String()),
		slog.String("amount", next.String()),
		slog.String("signature", logging.Fingerprint(sig)))

	return &Authorization{
		MPEAddress: g.mpeAddress,
		ChannelID:  new(big.Int).Set(ch.id),
		Nonce:      nonce,
		Amount:     next,
		Signature:  sig,
	}, nil
}
