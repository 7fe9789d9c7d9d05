package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"

	"snetpay/identity"
	"snetpay/mpe"
)

// Full gRPC method names served by the daemon.
const (
	GetChannelStateMethod = "/escrow.PaymentChannelStateService/GetChannelState"
	GetTokenMethod        = "/escrow.TokenService/GetToken"

	// GetFreeCallsAvailableMethod reports the free calls left for a user.
	GetFreeCallsAvailableMethod = "/escrow.FreeCallStateService/GetFreeCallsAvailable"
)

// ErrNotConfigured is returned by a client without a connection or signer.
var ErrNotConfigured = errors.New("daemon: client not configured")

// BlockSource reports the current block height.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// StateRequestSigner produces the block number and signature for a
// channel-state request. It replaces the default signing when a caller
// proves ownership some other way.
type StateRequestSigner func(ctx context.Context, channelID *big.Int) (currentBlock uint64, signature []byte, err error)

// Client calls the daemon's escrow services on an existing connection.
type Client struct {
	conn       grpc.ClientConnInterface
	signer     identity.Signer
	blocks     BlockSource
	mpeAddress common.Address
	stateSign  StateRequestSigner
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStateRequestSigner overrides how channel-state requests are signed.
func WithStateRequestSigner(fn StateRequestSigner) ClientOption {
	return func(c *Client) { c.stateSign = fn }
}

// NewClient builds a client. signer proves ownership of the channels
// queried; blocks supplies the block number the proofs commit to.
func NewClient(conn grpc.ClientConnInterface, signer identity.Signer, blocks BlockSource, mpeAddress common.Address, opts ...ClientOption) *Client {
	c := &Client{
		conn:       conn,
		signer:     signer,
		blocks:     blocks,
		mpeAddress: mpeAddress,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// GetChannelState invokes the raw channel-state RPC.
func (c *Client) GetChannelState(ctx context.Context, req *ChannelStateRequest, opts ...grpc.CallOption) (*ChannelStateReply, error) {
	if c == nil || c.conn == nil {
		return nil, ErrNotConfigured
	}
	out := new(ChannelStateReply)
	if err := c.conn.Invoke(ctx, GetChannelStateMethod, req, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetToken invokes the raw token RPC.
func (c *Client) GetToken(ctx context.Context, req *TokenRequest, opts ...grpc.CallOption) (*TokenReply, error) {
	if c == nil || c.conn == nil {
		return nil, ErrNotConfigured
	}
	out := new(TokenReply)
	if err := c.conn.Invoke(ctx, GetTokenMethod, req, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// ChannelState signs a state request for channelID at the current block and
// returns the daemon's view of the channel.
func (c *Client) ChannelState(ctx context.Context, channelID *big.Int) (*ChannelStateReply, error) {
	block, sig, err := c.signStateRequest(ctx, channelID)
	if err != nil {
		return nil, err
	}
	reply, err := c.GetChannelState(ctx, &ChannelStateRequest{
		ChannelID:    channelID,
		Signature:    sig,
		CurrentBlock: block,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: channel %s state: %w", channelID, err)
	}
	return reply, nil
}

func (c *Client) signStateRequest(ctx context.Context, channelID *big.Int) (uint64, []byte, error) {
	if c.stateSign != nil {
		return c.stateSign(ctx, channelID)
	}
	if c.signer == nil || c.blocks == nil {
		return 0, nil, ErrNotConfigured
	}
	block, err := c.blocks.BlockNumber(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("daemon: block number: %w", err)
	}
	msg, err := mpe.ChannelStateMessage(c.mpeAddress, channelID, block)
	if err != nil {
		return 0, nil, err
	}
	sig, err := c.signer.SignMessage(ctx, msg.Digest())
	if err != nil {
		return 0, nil, fmt.Errorf("daemon: sign state request: %w", err)
	}
	return block, sig, nil
}

// TokenClaim is a signed claim exchanged for a prepaid token.
type TokenClaim struct {
	ChannelID      *big.Int
	Nonce          *big.Int
	SignedAmount   *big.Int
	ClaimSignature []byte
}

// Token exchanges claim for a prepaid-call token. The request is proven by
// signing the claim signature together with the current block.
func (c *Client) Token(ctx context.Context, claim TokenClaim) (*TokenReply, error) {
	if c == nil || c.signer == nil || c.blocks == nil {
		return nil, ErrNotConfigured
	}
	for name, v := range map[string]*big.Int{"channel id": claim.ChannelID, "nonce": claim.Nonce, "signed amount": claim.SignedAmount} {
		if v == nil || v.Sign() < 0 || !v.IsUint64() {
			return nil, fmt.Errorf("daemon: token %s out of range", name)
		}
	}
	block, err := c.blocks.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon: block number: %w", err)
	}
	msg, err := mpe.TokenMessage(claim.ClaimSignature, block)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.SignMessage(ctx, msg.Digest())
	if err != nil {
		return nil, fmt.Errorf("daemon: sign token request: %w", err)
	}
	reply, err := c.GetToken(ctx, &TokenRequest{
		ChannelID:      claim.ChannelID.Uint64(),
		CurrentNonce:   claim.Nonce.Uint64(),
		SignedAmount:   claim.SignedAmount.Uint64(),
		Signature:      sig,
		CurrentBlock:   block,
		ClaimSignature: claim.ClaimSignature,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: channel %s token: %w", claim.ChannelID, err)
	}
	return reply, nil
}

// FreeCallUser is the holder of a free-call token for one service group.
// The token and its expiry block are issued by the marketplace.
type FreeCallUser struct {
	UserID           string
	OrgID            string
	ServiceID        string
	GroupID          string
	Token            []byte
	TokenExpiryBlock uint64
}

// Complete reports whether u carries everything a free call needs.
func (u FreeCallUser) Complete() bool {
	return u.UserID != "" && len(u.Token) > 0 && u.TokenExpiryBlock > 0
}

// FreeCallProof is a signed free-call authorization at CurrentBlock.
type FreeCallProof struct {
	CurrentBlock uint64
	Signature    []byte
}

// GetFreeCallsAvailable invokes the raw free-call state RPC.
func (c *Client) GetFreeCallsAvailable(ctx context.Context, req *FreeCallStateRequest, opts ...grpc.CallOption) (*FreeCallStateReply, error) {
	if c == nil || c.conn == nil {
		return nil, ErrNotConfigured
	}
	out := new(FreeCallStateReply)
	if err := c.conn.Invoke(ctx, GetFreeCallsAvailableMethod, req, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// SignFreeCall signs the free-call message for user at the current block.
// The same proof authorizes a call and a free-call state query.
func (c *Client) SignFreeCall(ctx context.Context, user FreeCallUser) (*FreeCallProof, error) {
	if c == nil || c.signer == nil || c.blocks == nil {
		return nil, ErrNotConfigured
	}
	block, err := c.blocks.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon: block number: %w", err)
	}
	msg, err := mpe.FreeCallMessage(user.UserID, user.OrgID, user.ServiceID, user.GroupID, block, user.Token)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.SignMessage(ctx, msg.Digest())
	if err != nil {
		return nil, fmt.Errorf("daemon: sign free call: %w", err)
	}
	return &FreeCallProof{CurrentBlock: block, Signature: sig}, nil
}

// FreeCallsAvailable returns how many free calls the daemon still grants user.
func (c *Client) FreeCallsAvailable(ctx context.Context, user FreeCallUser) (uint64, error) {
	proof, err := c.SignFreeCall(ctx, user)
	if err != nil {
		return 0, err
	}
	reply, err := c.GetFreeCallsAvailable(ctx, &FreeCallStateRequest{
		UserID:               user.UserID,
		TokenForFreeCall:     user.Token,
		TokenExpiryDateBlock: user.TokenExpiryBlock,
		Signature:            proof.Signature,
		CurrentBlock:         proof.CurrentBlock,
	})
	if err != nil {
		return 0, fmt.Errorf("daemon: free calls for %s: %w", user.UserID, err)
	}
	return reply.FreeCallsAvailable, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
}
