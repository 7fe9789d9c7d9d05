package daemon_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"snetpay/crypto"
	"snetpay/daemon"
	"snetpay/daemon/daemontest"
	"snetpay/identity"
	"snetpay/mpe"
)

var mpeAddress = common.HexToAddress("0x5e592F9b1d303183d963635f895f0f0C48284f4e")

type fixedBlock uint64

func (b fixedBlock) BlockNumber(context.Context) (uint64, error) { return uint64(b), nil }

func newSigner(t *testing.T) *identity.PrivateKeyIdentity {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	id, err := identity.NewPrivateKeyIdentity(key, nil)
	require.NoError(t, err)
	return id
}

func TestMessagesRoundTrip(t *testing.T) {
	reply := &daemon.ChannelStateReply{
		CurrentNonce:         big.NewInt(2),
		CurrentSignedAmount:  new(big.Int).Lsh(big.NewInt(1), 100),
		CurrentSignature:     []byte{1, 2, 3},
		OldNonceSignedAmount: big.NewInt(0),
		PlannedAmount:        500,
		UsedAmount:           20,
	}
	var decoded daemon.ChannelStateReply
	require.NoError(t, decoded.UnmarshalWire(reply.MarshalWire()))
	require.Zero(t, decoded.CurrentSignedAmount.Cmp(reply.CurrentSignedAmount))
	require.Equal(t, int64(2), decoded.CurrentNonce.Int64())
	require.Zero(t, decoded.OldNonceSignedAmount.Sign())
	require.Equal(t, uint64(500), decoded.PlannedAmount)

	var empty daemon.ChannelStateReply
	require.NoError(t, empty.UnmarshalWire(nil))
	require.Zero(t, empty.CurrentSignedAmount.Sign())

	var bad daemon.TokenReply
	require.Error(t, bad.UnmarshalWire([]byte{0x12, 0x05, 'a'}))
}

func TestChannelStateRequestEncoding(t *testing.T) {
	// channel_id=7 (bytes), current_block=1000 (varint).
	req := &daemon.ChannelStateRequest{ChannelID: big.NewInt(7), CurrentBlock: 1000}
	require.Equal(t, []byte{0x0a, 0x01, 0x07, 0x18, 0xe8, 0x07}, req.MarshalWire())
}

func TestClientChannelState(t *testing.T) {
	signer := newSigner(t)
	d := daemontest.New(mpeAddress)
	d.Signer = signer.Address()
	d.SetState(7, 1, 300)
	conn := daemontest.Serve(t, d)

	client := daemon.NewClient(conn, signer, fixedBlock(1000), mpeAddress)
	reply, err := client.ChannelState(context.Background(), big.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, int64(1), reply.CurrentNonce.Int64())
	require.Equal(t, int64(300), reply.CurrentSignedAmount.Int64())

	reqs := d.StateRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, uint64(1000), reqs[0].CurrentBlock)

	// A channel the daemon has never seen reports zero.
	reply, err = client.ChannelState(context.Background(), big.NewInt(8))
	require.NoError(t, err)
	require.Zero(t, reply.CurrentSignedAmount.Sign())
}

func TestClientRejectedByDaemonWithWrongSigner(t *testing.T) {
	d := daemontest.New(mpeAddress)
	d.Signer = common.HexToAddress("0x01")
	conn := daemontest.Serve(t, d)

	client := daemon.NewClient(conn, newSigner(t), fixedBlock(10), mpeAddress)
	_, err := client.ChannelState(context.Background(), big.NewInt(7))
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestStateRequestSignerOverride(t *testing.T) {
	d := daemontest.New(mpeAddress)
	conn := daemontest.Serve(t, d)

	called := false
	client := daemon.NewClient(conn, nil, nil, mpeAddress,
		daemon.WithStateRequestSigner(func(_ context.Context, id *big.Int) (uint64, []byte, error) {
			called = true
			return 77, []byte{0xaa}, nil
		}))
	_, err := client.ChannelState(context.Background(), big.NewInt(3))
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, uint64(77), d.StateRequests()[0].CurrentBlock)
	require.Equal(t, []byte{0xaa}, d.StateRequests()[0].Signature)
}

func TestClientToken(t *testing.T) {
	signer := newSigner(t)
	d := daemontest.New(mpeAddress)
	d.Signer = signer.Address()
	conn := daemontest.Serve(t, d)

	claim, err := mpe.ClaimMessage(mpeAddress, big.NewInt(4), big.NewInt(0), big.NewInt(250))
	require.NoError(t, err)
	claimSig, err := signer.SignMessage(context.Background(), claim.Digest())
	require.NoError(t, err)

	client := daemon.NewClient(conn, signer, fixedBlock(55), mpeAddress)
	reply, err := client.Token(context.Background(), daemon.TokenClaim{
		ChannelID:      big.NewInt(4),
		Nonce:          big.NewInt(0),
		SignedAmount:   big.NewInt(250),
		ClaimSignature: claimSig,
	})
	require.NoError(t, err)
	require.Equal(t, "token-4-250", reply.Token)
	require.Equal(t, uint64(250), reply.PlannedAmount)
	require.Equal(t, uint64(55), d.TokenRequests()[0].CurrentBlock)

	_, err = client.Token(context.Background(), daemon.TokenClaim{
		ChannelID:    big.NewInt(4),
		Nonce:        big.NewInt(0),
		SignedAmount: new(big.Int).Lsh(big.NewInt(1), 70),
	})
	require.Error(t, err)
}

func TestClientFreeCallsAvailable(t *testing.T) {
	signer := newSigner(t)
	user := daemon.FreeCallUser{
		UserID:           "user@example.com",
		OrgID:            "org",
		ServiceID:        "svc",
		GroupID:          "group",
		Token:            []byte{0x01, 0x02},
		TokenExpiryBlock: 5000,
	}
	d := daemontest.New(mpeAddress)
	d.Signer = signer.Address()
	d.FreeCallScope = user
	d.SetFreeCalls(user.UserID, 3)
	conn := daemontest.Serve(t, d)

	client := daemon.NewClient(conn, signer, fixedBlock(90), mpeAddress)
	n, err := client.FreeCallsAvailable(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	reqs := d.FreeCallRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, uint64(90), reqs[0].CurrentBlock)
	require.Equal(t, uint64(5000), reqs[0].TokenExpiryDateBlock)
	require.Equal(t, user.Token, reqs[0].TokenForFreeCall)

	// A signature over another service is rejected.
	other := user
	other.ServiceID = "other"
	_, err = client.FreeCallsAvailable(context.Background(), other)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestFreeCallStateRequestRoundTrip(t *testing.T) {
	req := &daemon.FreeCallStateRequest{
		UserID:               "u",
		TokenForFreeCall:     []byte{9},
		TokenExpiryDateBlock: 12,
		Signature:            []byte{1, 2},
		CurrentBlock:         10,
	}
	var decoded daemon.FreeCallStateRequest
	require.NoError(t, decoded.UnmarshalWire(req.MarshalWire()))
	require.Equal(t, *req, decoded)
}
