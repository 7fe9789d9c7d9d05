package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnsupportedScheme is returned for endpoints that are neither http nor https.
var ErrUnsupportedScheme = errors.New("service: unsupported endpoint scheme")

// Target converts an endpoint URL into a gRPC target and the transport
// credentials its scheme calls for.
func Target(endpoint string) (string, credentials.TransportCredentials, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("service: parse endpoint %q: %w", endpoint, err)
	}
	var (
		creds       credentials.TransportCredentials
		defaultPort string
	)
	switch u.Scheme {
	case "https":
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12, ServerName: u.Hostname()})
		defaultPort = "443"
	case "http":
		creds = insecure.NewCredentials()
		defaultPort = "80"
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("service: endpoint %q has no host", endpoint)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port), creds, nil
}

// Dial connects to endpoint with tracing interceptors. opts are appended, so
// callers can chain payment interceptors after tracing.
func Dial(ctx context.Context, endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	target, creds, err := Target(endpoint)
	if err != nil {
		return nil, err
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(otelgrpc.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(otelgrpc.StreamClientInterceptor()),
	}
	dialOpts = append(dialOpts, opts...)
	conn, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("service: dial %s: %w", endpoint, err)
	}
	return conn, nil
}
