// Package mpe implements the byte-level contract shared with the
// MultiPartyEscrow contract and the service daemon: packed message encoding,
// message digests, metadata header names and the training action tags.
package mpe

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	// ClaimPrefix tags escrow claim authorizations.
	ClaimPrefix = "__MPE_claim_message"
	// ChannelStatePrefix tags channel-state queries sent to the daemon.
	ChannelStatePrefix = "__get_channel_state"
	// FreeCallPrefix tags free-call authorizations.
	FreeCallPrefix = "__prefix_free_trial"
)

// ErrUint256Range is returned when a value does not fit an unsigned 256-bit slot.
var ErrUint256Range = errors.New("mpe: value outside uint256 range")

type fieldKind uint8

const (
	kindString fieldKind = iota + 1
	kindAddress
	kindUint256
	kindBytes
)

// Field is one typed element of a packed message.
type Field struct {
	kind fieldKind
	str  string
	addr common.Address
	num  *big.Int
	raw  []byte
}

// String encodes s as its raw UTF-8 bytes.
func String(s string) Field { return Field{kind: kindString, str: s} }

// Address encodes a as its 20 raw bytes.
func Address(a common.Address) Field { return Field{kind: kindAddress, addr: a} }

// Uint256 encodes v as a 32-byte big-endian word.
func Uint256(v *big.Int) Field { return Field{kind: kindUint256, num: v} }

// Uint64 encodes v as a 32-byte big-endian word.
func Uint64(v uint64) Field { return Field{kind: kindUint256, num: new(big.Int).SetUint64(v)} }

// Bytes encodes b verbatim.
func Bytes(b []byte) Field { return Field{kind: kindBytes, raw: b} }

// Message is a packed (non-padded) concatenation of typed fields, identical
// to Solidity's abi.encodePacked for the supported types.
type Message []byte

// Pack concatenates the fields in order.
func Pack(fields ...Field) (Message, error) {
	out := make([]byte, 0, 32*len(fields))
	for i, f := range fields {
		switch f.kind {
		case kindString:
			out = append(out, f.str...)
		case kindAddress:
			out = append(out, f.addr.Bytes()...)
		case kindUint256:
			word, err := word256(f.num)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", i, err)
			}
			out = append(out, word[:]...)
		case kindBytes:
			out = append(out, f.raw...)
		default:
			return nil, fmt.Errorf("field %d: unknown kind", i)
		}
	}
	return out, nil
}

// Digest returns keccak256 of the packed message. This is the value handed
// to the signer, which applies the personal-message prefix itself.
func (m Message) Digest() common.Hash {
	return crypto.Keccak256Hash(m)
}

func word256(v *big.Int) ([32]byte, error) {
	if v == nil || v.Sign() < 0 {
		return [32]byte{}, ErrUint256Range
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return [32]byte{}, ErrUint256Range
	}
	return u.Bytes32(), nil
}

// ClaimMessage builds the authorization the daemon verifies before serving a
// paid call: [string tag, address mpe, uint256 channelId, uint256 nonce, uint256 amount].
func ClaimMessage(mpeAddress common.Address, channelID, nonce, amount *big.Int) (Message, error) {
	return Pack(
		String(ClaimPrefix),
		Address(mpeAddress),
		Uint256(channelID),
		Uint256(nonce),
		Uint256(amount),
	)
}

// ChannelStateMessage builds the proof attached to a channel-state query.
func ChannelStateMessage(mpeAddress common.Address, channelID *big.Int, currentBlock uint64) (Message, error) {
	return Pack(
		String(ChannelStatePrefix),
		Address(mpeAddress),
		Uint256(channelID),
		Uint64(currentBlock),
	)
}

// ActionMessage builds a training-service authorization for the given action.
func ActionMessage(action Action, caller common.Address, currentBlock uint64) (Message, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, string(action))
	}
	return Pack(
		String(string(action)),
		Address(caller),
		Uint64(currentBlock),
	)
}

// TokenMessage builds the proof sent with a prepaid token request: the claim
// signature followed by the current block.
func TokenMessage(claimSignature []byte, currentBlock uint64) (Message, error) {
	return Pack(
		Bytes(claimSignature),
		Uint64(currentBlock),
	)
}

// FreeCallMessage builds the proof attached to a free call and to the
// free-call availability query: [string tag, string user, string org,
// string service, string group, uint256 currentBlock, bytes token].
func FreeCallMessage(userID, orgID, serviceID, groupID string, currentBlock uint64, token []byte) (Message, error) {
	return Pack(
		String(FreeCallPrefix),
		String(userID),
		String(orgID),
		String(serviceID),
		String(groupID),
		Uint64(currentBlock),
		Bytes(token),
	)
}
