package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"snetpay/channel"
	"snetpay/mpe"
	"snetpay/observability"
)

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithoutBlockchain makes the interceptor pass calls through untouched, for
// free calls or services paid by other means.
func WithoutBlockchain() InterceptorOption {
	return func(i *Interceptor) { i.disabled = true }
}

// WithInterceptorLogger sets the interceptor logger.
func WithInterceptorLogger(logger *slog.Logger) InterceptorOption {
	return func(i *Interceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithUserAddress reports caller in the user-info header.
func WithUserAddress(caller common.Address) InterceptorOption {
	return func(i *Interceptor) { i.user = caller }
}

// WithChannelManager lets the interceptor pay training calls marked with
// WithTrainingPayment from manager's channels.
func WithChannelManager(manager *channel.Manager) InterceptorOption {
	return func(i *Interceptor) { i.manager = manager }
}

// Interceptor adds payment metadata to every call on a connection.
type Interceptor struct {
	strategy Strategy
	manager  *channel.Manager
	disabled bool
	user     common.Address
	logger   *slog.Logger
}

// NewInterceptor pays calls with strategy.
func NewInterceptor(strategy Strategy, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{strategy: strategy, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.logger = i.logger.With(slog.String("component", "payment"))
	return i
}

func (i *Interceptor) paymentType(ctx context.Context, grant *Grant) string {
	if t := grant.PaymentType(); t != "" {
		return t
	}
	if i.disabled {
		return ""
	}
	if _, ok := trainingPaymentFrom(ctx); ok {
		return mpe.PaymentTypeEscrow
	}
	if i.strategy == nil {
		return ""
	}
	return i.strategy.PaymentType()
}

func (i *Interceptor) authorize(ctx context.Context, method string) (*Grant, error) {
	if p, ok := trainingPaymentFrom(ctx); ok {
		return TrainingMetadata(ctx, i.manager, p.modelID, p.amount)
	}
	return i.strategy.Authorize(ctx, method)
}

// attach authorizes the call and returns the context carrying its headers.
// A context marked with WithTrainingPayment is paid for its model and
// amount in place of the strategy.
func (i *Interceptor) attach(ctx context.Context, method string) (context.Context, *Grant, error) {
	if i.disabled {
		return ctx, nil, nil
	}
	if _, ok := trainingPaymentFrom(ctx); !ok && i.strategy == nil {
		return ctx, nil, nil
	}
	grant, err := i.authorize(ctx, method)
	if err != nil {
		return nil, nil, err
	}
	md := metadata.Join(grant.MD, metadata.Pairs(mpe.ClientTypeHeader, mpe.ClientType))
	if (i.user != common.Address{}) {
		md.Set(mpe.UserInfoHeader, i.user.Hex())
	}
	if existing, ok := metadata.FromOutgoingContext(ctx); ok {
		md = metadata.Join(existing, md)
	}
	return metadata.NewOutgoingContext(ctx, md), grant, nil
}

// Unary returns the unary client interceptor. The call's authorization is
// released when the call returns.
func (i *Interceptor) Unary() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		callID := uuid.NewString()
		start := time.Now()
		paid, grant, err := i.attach(ctx, method)
		if err != nil {
			observability.Calls().RecordCall(i.paymentType(ctx, nil), err)
			i.logger.Error("payment authorization failed",
				slog.String("call_id", callID),
				slog.String("method", method),
				slog.Any("error", err))
			return err
		}
		defer grant.Release()

		err = invoker(paid, method, req, reply, cc, opts...)
		observability.Calls().RecordCall(i.paymentType(ctx, grant), err)
		i.logger.Debug("paid call finished",
			slog.String("call_id", callID),
			slog.String("method", method),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return err
	}
}

// Stream returns the stream client interceptor. The authorization is
// released when the stream ends, fails or its context is cancelled.
func (i *Interceptor) Stream() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		callID := uuid.NewString()
		paid, grant, err := i.attach(ctx, method)
		if err != nil {
			observability.Calls().RecordCall(i.paymentType(ctx, nil), err)
			i.logger.Error("payment authorization failed",
				slog.String("call_id", callID),
				slog.String("method", method),
				slog.Any("error", err))
			return nil, err
		}
		stream, err := streamer(paid, desc, cc, method, opts...)
		observability.Calls().RecordCall(i.paymentType(ctx, grant), err)
		if err != nil {
			grant.Release()
			return nil, err
		}
		if grant == nil {
			return stream, nil
		}
		context.AfterFunc(stream.Context(), grant.Release)
		return &paidStream{ClientStream: stream, grant: grant}, nil
	}
}

type paidStream struct {
	grpc.ClientStream
	grant *Grant
}

func (s *paidStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		s.grant.Release()
	}
	return err
}
