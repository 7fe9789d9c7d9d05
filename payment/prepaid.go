package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"snetpay/channel"
	"snetpay/daemon"
	"snetpay/mpe"
	"snetpay/observability/logging"
)

// TokenSource is the daemon side of prepaid calls. *daemon.Client
// implements it.
type TokenSource interface {
	ChannelState(ctx context.Context, channelID *big.Int) (*daemon.ChannelStateReply, error)
	Token(ctx context.Context, claim daemon.TokenClaim) (*daemon.TokenReply, error)
}

type prepaidToken struct {
	channelID *big.Int
	nonce     *big.Int
	token     string
	planned   uint64
	used      uint64
}

func (t *prepaidToken) covers(price uint64) bool {
	return t != nil && t.used <= t.planned && t.planned-t.used >= price
}

// PrepaidStrategy pays with daemon-issued tokens. One escrow step
// authorizes callAllowance calls at once; the token it buys is reused until
// its planned amount is used up.
type PrepaidStrategy struct {
	manager *channel.Manager
	tokens  TokenSource
	price   *big.Int
	batch   *big.Int
	logger  *slog.Logger

	mu            sync.Mutex
	current       *prepaidToken
	checkedDaemon bool
}

// NewPrepaidStrategy charges price per call against tokens bought in batches
// of the manager's call allowance.
func NewPrepaidStrategy(manager *channel.Manager, tokens TokenSource, price *big.Int, logger *slog.Logger) (*PrepaidStrategy, error) {
	if price == nil || price.Sign() <= 0 || !price.IsUint64() {
		return nil, ErrInvalidPrice
	}
	if manager == nil || tokens == nil {
		return nil, errors.New("payment: prepaid strategy needs a channel manager and token source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	allowance := manager.Config().CallAllowance
	return &PrepaidStrategy{
		manager: manager,
		tokens:  tokens,
		price:   new(big.Int).Set(price),
		batch:   new(big.Int).Mul(price, big.NewInt(allowance)),
		logger:  logger.With(slog.String("component", "payment")),
	}, nil
}

// PaymentType implements Strategy.
func (s *PrepaidStrategy) PaymentType() string { return mpe.PaymentTypePrepaidCall }

// Authorize implements Strategy.
func (s *PrepaidStrategy) Authorize(ctx context.Context, _ string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price := s.price.Uint64()
	if !s.current.covers(price) && !s.checkedDaemon {
		s.checkedDaemon = true
		if err := s.adoptExisting(ctx); err != nil {
			return nil, err
		}
	}
	if !s.current.covers(price) {
		if err := s.buy(ctx); err != nil {
			return nil, err
		}
	}
	tok := s.current
	if !tok.covers(price) {
		return nil, fmt.Errorf("payment: token for channel %s covers %d of %d", tok.channelID, tok.planned-tok.used, price)
	}
	tok.used += price
	return NewGrant(prepaidMetadata(tok.channelID, tok.nonce, tok.token), nil), nil
}

// adoptExisting reuses the token behind the daemon's latest claim when it
// still has headroom, so a restarted client does not sign a new step.
func (s *PrepaidStrategy) adoptExisting(ctx context.Context) error {
	ch, _, err := s.manager.Select(ctx, s.price)
	if err != nil {
		return err
	}
	state, err := s.tokens.ChannelState(ctx, ch.ID())
	if err != nil {
		return err
	}
	if state.CurrentSignedAmount == nil || state.CurrentSignedAmount.Sign() == 0 || len(state.CurrentSignature) == 0 {
		return nil
	}
	if state.UsedAmount > state.PlannedAmount || state.PlannedAmount-state.UsedAmount < s.price.Uint64() {
		return nil
	}
	reply, err := s.tokens.Token(ctx, daemon.TokenClaim{
		ChannelID:      ch.ID(),
		Nonce:          state.CurrentNonce,
		SignedAmount:   state.CurrentSignedAmount,
		ClaimSignature: state.CurrentSignature,
	})
	if err != nil {
		return err
	}
	s.current = &prepaidToken{
		channelID: ch.ID(),
		nonce:     new(big.Int).Set(state.CurrentNonce),
		token:     reply.Token,
		planned:   reply.PlannedAmount,
		used:      reply.UsedAmount,
	}
	s.logger.Info("reusing prepaid token",
		slog.String("channel_id", ch.ID().String()),
		slog.String("amount", formatUint(reply.PlannedAmount)))
	return nil
}

func (s *PrepaidStrategy) buy(ctx context.Context) error {
	auth, err := s.manager.Authorize(ctx, s.batch)
	if err != nil {
		return err
	}
	defer auth.Release()

	reply, err := s.tokens.Token(ctx, daemon.TokenClaim{
		ChannelID:      auth.ChannelID,
		Nonce:          auth.Nonce,
		SignedAmount:   auth.Amount,
		ClaimSignature: auth.Signature,
	})
	if err != nil {
		return err
	}
	used := reply.UsedAmount
	if prev := s.current; prev != nil && prev.channelID.Cmp(auth.ChannelID) == 0 && prev.nonce.Cmp(auth.Nonce) == 0 && prev.used > used {
		// The daemon may not have accounted for calls still in flight.
		used = prev.used
	}
	s.current = &prepaidToken{
		channelID: auth.ChannelID,
		nonce:     auth.Nonce,
		token:     reply.Token,
		planned:   reply.PlannedAmount,
		used:      used,
	}
	s.logger.Debug("prepaid token issued",
		slog.String("channel_id", auth.ChannelID.String()),
		slog.String("amount", auth.Amount.String()),
		slog.String("token", logging.Fingerprint([]byte(reply.Token))))
	return nil
}
