package daemon

import (
	"errors"
	"fmt"
	"math/big"

	"google.golang.org/protobuf/encoding/protowire"
)

var errTruncated = errors.New("daemon: truncated message")

// ChannelStateRequest asks the daemon for its view of a channel. Signature
// covers the channel-state message for ChannelID at CurrentBlock.
type ChannelStateRequest struct {
	ChannelID    *big.Int
	Signature    []byte
	CurrentBlock uint64
}

// ChannelStateReply is the daemon's view of a channel. Amounts the daemon
// has never seen are reported as zero.
type ChannelStateReply struct {
	CurrentNonce         *big.Int
	CurrentSignedAmount  *big.Int
	CurrentSignature     []byte
	OldNonceSignedAmount *big.Int
	OldNonceSignature    []byte
	PlannedAmount        uint64
	UsedAmount           uint64
}

// TokenRequest exchanges a claim for a prepaid-call token.
type TokenRequest struct {
	ChannelID    uint64
	CurrentNonce uint64
	SignedAmount uint64
	// Signature covers [bytes ClaimSignature, uint256 CurrentBlock].
	Signature    []byte
	CurrentBlock uint64
	// ClaimSignature is the escrow claim for SignedAmount.
	ClaimSignature []byte
}

// TokenReply carries a token valid for up to PlannedAmount of calls.
type TokenReply struct {
	ChannelID     uint64
	Token         string
	PlannedAmount uint64
	UsedAmount    uint64
}

// FreeCallStateRequest asks how many free calls a user has left. Signature
// covers the free-call message for the user at CurrentBlock.
type FreeCallStateRequest struct {
	UserID               string
	TokenForFreeCall     []byte
	TokenExpiryDateBlock uint64
	Signature            []byte
	CurrentBlock         uint64
}

// FreeCallStateReply reports the free calls left for UserID.
type FreeCallStateReply struct {
	UserID             string
	FreeCallsAvailable uint64
}

// MarshalWire implements Message.
func (m *ChannelStateRequest) MarshalWire() []byte {
	var b []byte
	b = appendBigInt(b, 1, m.ChannelID)
	b = appendBytes(b, 2, m.Signature)
	b = appendVarint(b, 3, m.CurrentBlock)
	return b
}

// UnmarshalWire implements Message.
func (m *ChannelStateRequest) UnmarshalWire(b []byte) error {
	*m = ChannelStateRequest{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ChannelID = v.bigInt()
		case 2:
			m.Signature = v.bytes
		case 3:
			m.CurrentBlock = v.varint
		}
		return nil
	})
}

// MarshalWire implements Message.
func (m *ChannelStateReply) MarshalWire() []byte {
	var b []byte
	b = appendBigInt(b, 1, m.CurrentNonce)
	b = appendBigInt(b, 2, m.CurrentSignedAmount)
	b = appendBytes(b, 3, m.CurrentSignature)
	b = appendBigInt(b, 4, m.OldNonceSignedAmount)
	b = appendBytes(b, 5, m.OldNonceSignature)
	b = appendVarint(b, 6, m.PlannedAmount)
	b = appendVarint(b, 7, m.UsedAmount)
	return b
}

// UnmarshalWire implements Message.
func (m *ChannelStateReply) UnmarshalWire(b []byte) error {
	*m = ChannelStateReply{
		CurrentNonce:         new(big.Int),
		CurrentSignedAmount:  new(big.Int),
		OldNonceSignedAmount: new(big.Int),
	}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.CurrentNonce = v.bigInt()
		case 2:
			m.CurrentSignedAmount = v.bigInt()
		case 3:
			m.CurrentSignature = v.bytes
		case 4:
			m.OldNonceSignedAmount = v.bigInt()
		case 5:
			m.OldNonceSignature = v.bytes
		case 6:
			m.PlannedAmount = v.varint
		case 7:
			m.UsedAmount = v.varint
		}
		return nil
	})
}

// MarshalWire implements Message.
func (m *TokenRequest) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.ChannelID)
	b = appendVarint(b, 2, m.CurrentNonce)
	b = appendVarint(b, 3, m.SignedAmount)
	b = appendBytes(b, 4, m.Signature)
	b = appendVarint(b, 5, m.CurrentBlock)
	b = appendBytes(b, 6, m.ClaimSignature)
	return b
}

// UnmarshalWire implements Message.
func (m *TokenRequest) UnmarshalWire(b []byte) error {
	*m = TokenRequest{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ChannelID = v.varint
		case 2:
			m.CurrentNonce = v.varint
		case 3:
			m.SignedAmount = v.varint
		case 4:
			m.Signature = v.bytes
		case 5:
			m.CurrentBlock = v.varint
		case 6:
			m.ClaimSignature = v.bytes
		}
		return nil
	})
}

// MarshalWire implements Message.
func (m *TokenReply) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.ChannelID)
	b = appendBytes(b, 2, []byte(m.Token))
	b = appendVarint(b, 3, m.PlannedAmount)
	b = appendVarint(b, 4, m.UsedAmount)
	return b
}

// UnmarshalWire implements Message.
func (m *TokenReply) UnmarshalWire(b []byte) error {
	*m = TokenReply{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ChannelID = v.varint
		case 2:
			m.Token = string(v.bytes)
		case 3:
			m.PlannedAmount = v.varint
		case 4:
			m.UsedAmount = v.varint
		}
		return nil
	})
}

// MarshalWire implements Message.
func (m *FreeCallStateRequest) MarshalWire() []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(m.UserID))
	b = appendBytes(b, 2, m.TokenForFreeCall)
	b = appendVarint(b, 3, m.TokenExpiryDateBlock)
	b = appendBytes(b, 4, m.Signature)
	b = appendVarint(b, 5, m.CurrentBlock)
	return b
}

// UnmarshalWire implements Message.
func (m *FreeCallStateRequest) UnmarshalWire(b []byte) error {
	*m = FreeCallStateRequest{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.UserID = string(v.bytes)
		case 2:
			m.TokenForFreeCall = v.bytes
		case 3:
			m.TokenExpiryDateBlock = v.varint
		case 4:
			m.Signature = v.bytes
		case 5:
			m.CurrentBlock = v.varint
		}
		return nil
	})
}

// MarshalWire implements Message.
func (m *FreeCallStateReply) MarshalWire() []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(m.UserID))
	b = appendVarint(b, 2, m.FreeCallsAvailable)
	return b
}

// UnmarshalWire implements Message.
func (m *FreeCallStateReply) UnmarshalWire(b []byte) error {
	*m = FreeCallStateReply{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.UserID = string(v.bytes)
		case 2:
			m.FreeCallsAvailable = v.varint
		}
		return nil
	})
}

// field is a decoded scalar: varint for VarintType, bytes for BytesType.
type field struct {
	varint uint64
	bytes  []byte
}

func (f field) bigInt() *big.Int { return new(big.Int).SetBytes(f.bytes) }

// walk decodes every field of b, skipping types this package never emits.
func walk(b []byte, fn func(protowire.Number, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		var v field
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				v.bytes = append([]byte(nil), raw...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendBigInt writes v as minimal big-endian bytes, the daemon's encoding
// for 256-bit quantities.
func appendBigInt(b []byte, num protowire.Number, v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return b
	}
	return appendBytes(b, num, v.Bytes())
}
