package payment

import (
	"context"
	"errors"
	"math/big"

	"snetpay/channel"
	"snetpay/mpe"
)

// ErrNoModelID is returned when a training payment names no model.
var ErrNoModelID = errors.New("payment: training payment needs a model id")

// TrainingMetadata pays amount from manager's channels for a call against
// modelID. Training calls are priced per action, so the amount comes from
// the training service rather than the group's fixed price.
func TrainingMetadata(ctx context.Context, manager *channel.Manager, modelID string, amount *big.Int) (*Grant, error) {
	if modelID == "" {
		return nil, ErrNoModelID
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if manager == nil {
		return nil, errors.New("payment: training payment needs a channel manager")
	}
	auth, err := manager.Authorize(ctx, amount)
	if err != nil {
		return nil, err
	}
	md := EscrowMetadata(auth)
	md.Set(mpe.TrainingModelIDHeader, modelID)
	return NewGrant(md, auth.Release), nil
}

type trainingPaymentKey struct{}

type trainingPayment struct {
	modelID string
	amount  *big.Int
}

// WithTrainingPayment marks calls made with ctx as paid training calls:
// the interceptor pays amount for modelID instead of applying its strategy.
func WithTrainingPayment(ctx context.Context, modelID string, amount *big.Int) context.Context {
	var a *big.Int
	if amount != nil {
		a = new(big.Int).Set(amount)
	}
	return context.WithValue(ctx, trainingPaymentKey{}, trainingPayment{modelID: modelID, amount: a})
}

func trainingPaymentFrom(ctx context.Context) (trainingPayment, bool) {
	p, ok := ctx.Value(trainingPaymentKey{}).(trainingPayment)
	return p, ok
}
