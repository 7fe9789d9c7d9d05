package channel

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"snetpay/crypto"
	"snetpay/daemon"
	"snetpay/identity"
	"snetpay/ledger"
	"snetpay/ledger/ledgertest"
	"snetpay/store"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testMPE       = common.HexToAddress("0x5e592f9b1d303183d963635f895f0f0c48284f4e")
	testRecipient = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testGroup     = ledger.GroupID{0x01, 0x02}
)

func testSigner(t *testing.T) *identity.PrivateKeyIdentity {
	t.Helper()
	key, err := crypto.PrivateKeyFromHex(testKeyHex)
	require.NoError(t, err)
	id, err := identity.NewPrivateKeyIdentity(key, nil)
	require.NoError(t, err)
	return id
}

// fakeRemote is a daemon view keyed by channel id.
type fakeRemote struct {
	mu     sync.Mutex
	states map[string]*daemon.ChannelStateReply
	err    error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{states: make(map[string]*daemon.ChannelStateReply)}
}

func (f *fakeRemote) set(id, nonce, signed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[big.NewInt(id).String()] = &daemon.ChannelStateReply{
		CurrentNonce:         big.NewInt(nonce),
		CurrentSignedAmount:  big.NewInt(signed),
		OldNonceSignedAmount: new(big.Int),
	}
}

func (f *fakeRemote) ChannelState(_ context.Context, id *big.Int) (*daemon.ChannelStateReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st, ok := f.states[id.String()]
	if !ok {
		return &daemon.ChannelStateReply{
			CurrentNonce:         new(big.Int),
			CurrentSignedAmount:  new(big.Int),
			OldNonceSignedAmount: new(big.Int),
		}, nil
	}
	cp := *st
	return &cp, nil
}

type fixture struct {
	signer *identity.PrivateKeyIdentity
	ledger *ledgertest.Ledger
	remote *fakeRemote
	store  store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer := testSigner(t)
	return &fixture{
		signer: signer,
		ledger: ledgertest.New(testMPE, signer.Address()),
		remote: newFakeRemote(),
		store:  store.NewMemory(),
	}
}

func (f *fixture) addChannel(id, value, expiration int64) {
	f.ledger.AddChannel(ledger.ChannelInfo{
		ChannelID:  big.NewInt(id),
		Recipient:  testRecipient,
		GroupID:    testGroup,
		Value:      big.NewInt(value),
		Expiration: big.NewInt(expiration),
	})
}

func (f *fixture) channel(t *testing.T, id int64, allowance int64) *Channel {
	t.Helper()
	ch := NewChannel(big.NewInt(id), f.ledger, f.remote, f.store, allowance, nil)
	require.NoError(t, ch.SyncState(context.Background()))
	return ch
}

func (f *fixture) manager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Sender = f.signer.Address()
	cfg.Recipient = testRecipient
	cfg.GroupID = testGroup
	m, err := NewManager(f.ledger, f.remote, NewGate(testMPE, f.signer), cfg, WithStore(f.store))
	require.NoError(t, err)
	return m
}
