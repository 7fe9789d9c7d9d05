package daemon

import (
	"context"

	"google.golang.org/grpc"
)

// StateServer is the server side of the channel-state service.
type StateServer interface {
	GetChannelState(ctx context.Context, req *ChannelStateRequest) (*ChannelStateReply, error)
}

// TokenServer is the server side of the token service.
type TokenServer interface {
	GetToken(ctx context.Context, req *TokenRequest) (*TokenReply, error)
}

// FreeCallServer is the server side of the free-call state service.
type FreeCallServer interface {
	GetFreeCallsAvailable(ctx context.Context, req *FreeCallStateRequest) (*FreeCallStateReply, error)
}

// RegisterStateServer registers srv on s. s must be created with
// grpc.ForceServerCodec(Codec{}).
func RegisterStateServer(s grpc.ServiceRegistrar, srv StateServer) {
	s.RegisterService(&stateServiceDesc, srv)
}

// RegisterTokenServer registers srv on s. s must be created with
// grpc.ForceServerCodec(Codec{}).
func RegisterTokenServer(s grpc.ServiceRegistrar, srv TokenServer) {
	s.RegisterService(&tokenServiceDesc, srv)
}

// RegisterFreeCallServer registers srv on s. s must be created with
// grpc.ForceServerCodec(Codec{}).
func RegisterFreeCallServer(s grpc.ServiceRegistrar, srv FreeCallServer) {
	s.RegisterService(&freeCallServiceDesc, srv)
}

var stateServiceDesc = grpc.ServiceDesc{
	ServiceName: "escrow.PaymentChannelStateService",
	HandlerType: (*StateServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "GetChannelState",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(ChannelStateRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(StateServer).GetChannelState(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetChannelStateMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return srv.(StateServer).GetChannelState(ctx, req.(*ChannelStateRequest))
			})
		},
	}},
}

var tokenServiceDesc = grpc.ServiceDesc{
	ServiceName: "escrow.TokenService",
	HandlerType: (*TokenServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "GetToken",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(TokenRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(TokenServer).GetToken(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetTokenMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return srv.(TokenServer).GetToken(ctx, req.(*TokenRequest))
			})
		},
	}},
}

var freeCallServiceDesc = grpc.ServiceDesc{
	ServiceName: "escrow.FreeCallStateService",
	HandlerType: (*FreeCallServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "GetFreeCallsAvailable",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(FreeCallStateRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(FreeCallServer).GetFreeCallsAvailable(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetFreeCallsAvailableMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return srv.(FreeCallServer).GetFreeCallsAvailable(ctx, req.(*FreeCallStateRequest))
			})
		},
	}},
}
