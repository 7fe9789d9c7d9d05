package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"google.golang.org/grpc/metadata"

	"snetpay/daemon"
	"snetpay/mpe"
)

// FreeCallSource is the daemon side of free calls. *daemon.Client
// implements it.
type FreeCallSource interface {
	SignFreeCall(ctx context.Context, user daemon.FreeCallUser) (*daemon.FreeCallProof, error)
	FreeCallsAvailable(ctx context.Context, user daemon.FreeCallUser) (uint64, error)
}

// FreeCallStrategy pays calls with the free calls a service group grants to
// a marketplace user. Calls are proven with a signature over the user's
// token at the current block.
type FreeCallStrategy struct {
	source    FreeCallSource
	user      daemon.FreeCallUser
	freeCalls int64
	logger    *slog.Logger

	exhausted atomic.Bool
}

// NewFreeCallStrategy offers free calls to user when the group grants
// freeCalls > 0.
func NewFreeCallStrategy(source FreeCallSource, user daemon.FreeCallUser, freeCalls int64, logger *slog.Logger) (*FreeCallStrategy, error) {
	if source == nil {
		return nil, errors.New("payment: free-call strategy needs a daemon client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FreeCallStrategy{
		source:    source,
		user:      user,
		freeCalls: freeCalls,
		logger:    logger.With(slog.String("component", "payment")),
	}, nil
}

// PaymentType implements Strategy.
func (s *FreeCallStrategy) PaymentType() string { return mpe.PaymentTypeFreeCall }

// Available reports whether the daemon will serve the next call for free.
// A group without free calls, an incomplete token or a daemon error all
// mean no. Once the daemon reports zero calls left it is not asked again.
func (s *FreeCallStrategy) Available(ctx context.Context) bool {
	if s.freeCalls <= 0 || !s.user.Complete() || s.exhausted.Load() {
		return false
	}
	n, err := s.source.FreeCallsAvailable(ctx, s.user)
	if err != nil {
		s.logger.Warn("free-call state unavailable",
			slog.String("user_id", s.user.UserID),
			slog.Any("error", err))
		return false
	}
	if n == 0 {
		s.exhausted.Store(true)
		s.logger.Info("free calls used up", slog.String("user_id", s.user.UserID))
		return false
	}
	return true
}

// Authorize implements Strategy.
func (s *FreeCallStrategy) Authorize(ctx context.Context, _ string) (*Grant, error) {
	proof, err := s.source.SignFreeCall(ctx, s.user)
	if err != nil {
		return nil, err
	}
	return NewGrant(freeCallMetadata(s.user, proof), nil), nil
}

func freeCallMetadata(user daemon.FreeCallUser, proof *daemon.FreeCallProof) metadata.MD {
	return metadata.MD{
		mpe.PaymentTypeHeader:             {mpe.PaymentTypeFreeCall},
		mpe.FreeCallUserIDHeader:          {user.UserID},
		mpe.CurrentBlockNumberHeader:      {formatUint(proof.CurrentBlock)},
		mpe.FreeCallAuthTokenHeader:       {string(user.Token)},
		mpe.FreeCallTokenExpiryHeader:     {formatUint(user.TokenExpiryBlock)},
		mpe.PaymentChannelSignatureHeader: {string(proof.Signature)},
	}
}

// DefaultStrategy spends the user's free calls first and pays every other
// call with paid, which is an escrow or prepaid strategy.
type DefaultStrategy struct {
	free *FreeCallStrategy
	paid Strategy
}

// NewDefaultStrategy chains free in front of paid. free may be nil.
func NewDefaultStrategy(free *FreeCallStrategy, paid Strategy) (*DefaultStrategy, error) {
	if paid == nil {
		return nil, errors.New("payment: default strategy needs a paid strategy")
	}
	return &DefaultStrategy{free: free, paid: paid}, nil
}

// PaymentType implements Strategy. It names the paid fallback; the grant
// of each call carries the type actually used.
func (s *DefaultStrategy) PaymentType() string { return s.paid.PaymentType() }

// Authorize implements Strategy.
func (s *DefaultStrategy) Authorize(ctx context.Context, method string) (*Grant, error) {
	if s.free != nil && s.free.Available(ctx) {
		return s.free.Authorize(ctx, method)
	}
	return s.paid.Authorize(ctx, method)
}
