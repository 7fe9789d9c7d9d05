// Package daemontest runs an in-memory service daemon over bufconn for
// tests of the channel and payment packages.
package daemontest

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"snetpay/crypto"
	"snetpay/daemon"
	"snetpay/mpe"
)

const bufSize = 1 << 20

// Daemon answers channel-state, token and free-call requests from in-memory
// state. When Signer is set, request signatures are checked against it.
type Daemon struct {
	MPEAddress common.Address
	Signer     common.Address
	// FreeCallScope is the org, service and group free-call signatures
	// must commit to.
	FreeCallScope daemon.FreeCallUser

	mu               sync.Mutex
	states           map[string]*daemon.ChannelStateReply
	stateRequests    []*daemon.ChannelStateRequest
	tokenRequests    []*daemon.TokenRequest
	freeCallRequests []*daemon.FreeCallStateRequest
	freeCalls        map[string]uint64
	failState        error
	failFreeCalls    error
}

// New returns an empty daemon for the escrow contract at mpeAddress.
func New(mpeAddress common.Address) *Daemon {
	return &Daemon{
		MPEAddress: mpeAddress,
		states:     make(map[string]*daemon.ChannelStateReply),
		freeCalls:  make(map[string]uint64),
	}
}

// SetState sets the daemon's view of channelID.
func (d *Daemon) SetState(channelID int64, nonce, signedAmount int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(big.NewInt(channelID)).CurrentNonce = big.NewInt(nonce)
	d.state(big.NewInt(channelID)).CurrentSignedAmount = big.NewInt(signedAmount)
}

// SetUsage sets the prepaid accounting for channelID.
func (d *Daemon) SetUsage(channelID int64, planned, used uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(big.NewInt(channelID))
	st.PlannedAmount = planned
	st.UsedAmount = used
}

// FailState makes every channel-state request fail with err.
func (d *Daemon) FailState(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failState = err
}

// SetFreeCalls sets the free calls left for userID.
func (d *Daemon) SetFreeCalls(userID string, n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freeCalls[userID] = n
}

// FailFreeCalls makes every free-call state request fail with err.
func (d *Daemon) FailFreeCalls(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFreeCalls = err
}

// FreeCallRequests returns the free-call state requests received so far.
func (d *Daemon) FreeCallRequests() []*daemon.FreeCallStateRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*daemon.FreeCallStateRequest(nil), d.freeCallRequests...)
}

// UseFreeCall spends one of userID's free calls, as the daemon does when it
// serves a free call.
func (d *Daemon) UseFreeCall(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freeCalls[userID] > 0 {
		d.freeCalls[userID]--
	}
}

// StateRequests returns the channel-state requests received so far.
func (d *Daemon) StateRequests() []*daemon.ChannelStateRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*daemon.ChannelStateRequest(nil), d.stateRequests...)
}

// TokenRequests returns the token requests received so far.
func (d *Daemon) TokenRequests() []*daemon.TokenRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*daemon.TokenRequest(nil), d.tokenRequests...)
}

// GetChannelState implements daemon.StateServer.
func (d *Daemon) GetChannelState(_ context.Context, req *daemon.ChannelStateRequest) (*daemon.ChannelStateReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateRequests = append(d.stateRequests, req)
	if d.failState != nil {
		return nil, d.failState
	}
	if err := d.verifyState(req); err != nil {
		return nil, err
	}
	st := d.state(req.ChannelID)
	cp := *st
	return &cp, nil
}

// GetToken implements daemon.TokenServer. The token authorises calls up to
// the claimed amount.
func (d *Daemon) GetToken(_ context.Context, req *daemon.TokenRequest) (*daemon.TokenReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokenRequests = append(d.tokenRequests, req)
	if err := d.verifyToken(req); err != nil {
		return nil, err
	}
	channelID := new(big.Int).SetUint64(req.ChannelID)
	st := d.state(channelID)
	if req.SignedAmount > st.CurrentSignedAmount.Uint64() {
		st.CurrentSignedAmount = new(big.Int).SetUint64(req.SignedAmount)
		st.CurrentSignature = req.ClaimSignature
	}
	st.PlannedAmount = st.CurrentSignedAmount.Uint64()
	return &daemon.TokenReply{
		ChannelID:     req.ChannelID,
		Token:         fmt.Sprintf("token-%d-%d", req.ChannelID, st.PlannedAmount),
		PlannedAmount: st.PlannedAmount,
		UsedAmount:    st.UsedAmount,
	}, nil
}

// GetFreeCallsAvailable implements daemon.FreeCallServer.
func (d *Daemon) GetFreeCallsAvailable(_ context.Context, req *daemon.FreeCallStateRequest) (*daemon.FreeCallStateReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freeCallRequests = append(d.freeCallRequests, req)
	if d.failFreeCalls != nil {
		return nil, d.failFreeCalls
	}
	if err := d.VerifyFreeCall(req.UserID, req.TokenForFreeCall, req.CurrentBlock, req.Signature); err != nil {
		return nil, err
	}
	return &daemon.FreeCallStateReply{
		UserID:             req.UserID,
		FreeCallsAvailable: d.freeCalls[req.UserID],
	}, nil
}

// VerifyFreeCall checks a free-call signature against Signer and
// FreeCallScope.
func (d *Daemon) VerifyFreeCall(userID string, token []byte, currentBlock uint64, sig []byte) error {
	if (d.Signer == common.Address{}) {
		return nil
	}
	scope := d.FreeCallScope
	msg, err := mpe.FreeCallMessage(userID, scope.OrgID, scope.ServiceID, scope.GroupID, currentBlock, token)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return d.verify(msg, sig)
}

func (d *Daemon) state(channelID *big.Int) *daemon.ChannelStateReply {
	key := "0"
	if channelID != nil {
		key = channelID.String()
	}
	st, ok := d.states[key]
	if !ok {
		st = &daemon.ChannelStateReply{
			CurrentNonce:         new(big.Int),
			CurrentSignedAmount:  new(big.Int),
			OldNonceSignedAmount: new(big.Int),
		}
		d.states[key] = st
	}
	return st
}

func (d *Daemon) verifyState(req *daemon.ChannelStateRequest) error {
	if (d.Signer == common.Address{}) {
		return nil
	}
	channelID := req.ChannelID
	if channelID == nil {
		channelID = new(big.Int)
	}
	msg, err := mpe.ChannelStateMessage(d.MPEAddress, channelID, req.CurrentBlock)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return d.verify(msg, req.Signature)
}

func (d *Daemon) verifyToken(req *daemon.TokenRequest) error {
	if (d.Signer == common.Address{}) {
		return nil
	}
	msg, err := mpe.TokenMessage(req.ClaimSignature, req.CurrentBlock)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := d.verify(msg, req.Signature); err != nil {
		return err
	}
	claim, err := mpe.ClaimMessage(d.MPEAddress,
		new(big.Int).SetUint64(req.ChannelID),
		new(big.Int).SetUint64(req.CurrentNonce),
		new(big.Int).SetUint64(req.SignedAmount))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return d.verify(claim, req.ClaimSignature)
}

func (d *Daemon) verify(msg mpe.Message, sig []byte) error {
	signer, err := crypto.RecoverPersonal(msg.Digest(), sig)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if signer != d.Signer {
		return status.Errorf(codes.Unauthenticated, "signed by %s", signer.Hex())
	}
	return nil
}

// Serve starts d on an in-memory listener and returns a connection to it.
// extra registers additional services on the same server. Everything is torn
// down when the test ends.
func Serve(t testing.TB, d *Daemon, extra ...func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	return Dial(t, Listen(t, d, extra...))
}

// Listen starts d and the extra services on an in-memory listener.
func Listen(t testing.TB, d *Daemon, extra ...func(*grpc.Server)) *bufconn.Listener {
	t.Helper()
	listener := bufconn.Listen(bufSize)
	t.Cleanup(func() {
		listener.Close()
	})

	server := grpc.NewServer(grpc.ForceServerCodec(daemon.Codec{}))
	if d != nil {
		daemon.RegisterStateServer(server, d)
		daemon.RegisterTokenServer(server, d)
		daemon.RegisterFreeCallServer(server, d)
	}
	for _, register := range extra {
		register(server)
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			t.Errorf("serve bufconn: %v", err)
		}
	}()
	t.Cleanup(server.Stop)
	return listener
}

// Dial connects to listener with opts added to the in-memory dialer.
func Dial(t testing.TB, listener *bufconn.Listener, opts ...grpc.DialOption) *grpc.ClientConn {
	t.Helper()
	opts = append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.DialContext(context.Background(), "bufnet", opts...)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}
