// Package daemon talks to the service daemon's escrow endpoints: the
// channel-state service the client uses to learn the last amount the
// daemon has seen signed, and the token service that exchanges a claim for
// a prepaid-call token.
package daemon

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Message is implemented by every request and reply in this package. The
// encoding is the protobuf binary format of the daemon's escrow protos.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

// Codec carries Message values over gRPC. It reports itself as "proto" so
// the content-subtype matches what the daemon expects.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("daemon: cannot marshal %T", v)
	}
	return m.MarshalWire(), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("daemon: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return "proto" }
