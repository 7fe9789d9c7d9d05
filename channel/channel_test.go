package channel

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"snetpay/daemon"
	"snetpay/store"
)

func TestSyncStateSeedsFromRemoteOnce(t *testing.T) {
	f := newFixture(t)
	f.addChannel(1, 1000, 5000)
	f.remote.set(1, 0, 400)
	ctx := context.Background()

	ch := f.channel(t, 1, 1)
	st := ch.State()
	require.Equal(t, "400", st.Signed.String())
	require.Equal(t, "600", st.Available.String())

	w, ok, err := f.store.Watermark(ctx, big.NewInt(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "400", w.SignedAmount.String())

	auth, err := NewGate(testMPE, f.signer).Authorize(ctx, ch, big.NewInt(100))
	require.NoError(t, err)
	auth.Release()
	require.Equal(t, "500", auth.Amount.String())

	// A lagging daemon does not pull the local watermark back.
	f.remote.set(1, 0, 450)
	require.NoError(t, ch.SyncState(ctx))
	st = ch.State()
	require.Equal(t, "500", st.Signed.String())
	require.Equal(t, "450", st.RemoteSigned.String())
	require.Equal(t, "500", st.Available.String())

	// A daemon ahead of us only reduces what is available.
	f.remote.set(1, 0, 700)
	require.NoError(t, ch.SyncState(ctx))
	st = ch.State()
	require.Equal(t, "500", st.Signed.String())
	require.Equal(t, "300", st.Available.String())
}

func TestSyncStateResetsOnNewNonce(t *testing.T) {
	f := newFixture(t)
	f.addChannel(2, 1000, 5000)
	ctx := context.Background()
	ch := f.channel(t, 2, 1)
	gate := NewGate(testMPE, f.signer)

	auth, err := gate.Authorize(ctx, ch, big.NewInt(300))
	require.NoError(t, err)
	auth.Release()

	require.NoError(t, f.ledger.Claim(big.NewInt(2), 300))
	f.remote.set(2, 1, 0)
	require.NoError(t, ch.SyncState(ctx))

	st := ch.State()
	require.Equal(t, "1", st.Nonce.String())
	require.Equal(t, "0", st.Signed.String())
	require.Equal(t, "700", st.Total.String())

	auth, err = gate.Authorize(ctx, ch, big.NewInt(50))
	require.NoError(t, err)
	auth.Release()
	require.Equal(t, "1", auth.Nonce.String())
	require.Equal(t, "50", auth.Amount.String())
}

func TestSyncStatePendingClaim(t *testing.T) {
	f := newFixture(t)
	f.addChannel(3, 1000, 5000)
	// The daemon has started a claim of 300 at nonce 0 that the ledger has
	// not processed yet.
	f.remote.states["3"] = &daemon.ChannelStateReply{
		CurrentNonce:         big.NewInt(1),
		CurrentSignedAmount:  big.NewInt(20),
		OldNonceSignedAmount: big.NewInt(300),
	}
	ch := NewChannel(big.NewInt(3), f.ledger, f.remote, f.store, 1, nil)
	require.NoError(t, ch.SyncState(context.Background()))

	st := ch.State()
	require.Equal(t, "1", st.Nonce.String())
	require.Equal(t, "700", st.Total.String())
	require.Equal(t, "20", st.Signed.String())
	require.Equal(t, "680", st.Available.String())
}

func TestSyncStateRestoresFromStore(t *testing.T) {
	f := newFixture(t)
	f.addChannel(4, 1000, 5000)
	ctx := context.Background()
	require.NoError(t, f.store.AdvanceWatermark(ctx, store.Watermark{
		ChannelID:    big.NewInt(4),
		Nonce:        big.NewInt(0),
		SignedAmount: big.NewInt(250),
	}))
	f.remote.set(4, 0, 100)

	ch := f.channel(t, 4, 1)
	require.Equal(t, "250", ch.State().Signed.String())
}

func TestSyncStateDaemonError(t *testing.T) {
	f := newFixture(t)
	f.addChannel(5, 1000, 5000)
	f.remote.err = errors.New("daemon down")
	ch := NewChannel(big.NewInt(5), f.ledger, f.remote, f.store, 1, nil)
	require.Error(t, ch.SyncState(context.Background()))
	require.False(t, ch.Synced())
}

func TestChannelLedgerOperationsResync(t *testing.T) {
	f := newFixture(t)
	f.addChannel(6, 100, 50)
	f.ledger.SetEscrowBalance(f.signer.Address(), 1000)
	ctx := context.Background()
	ch := f.channel(t, 6, 1)

	_, err := ch.AddFunds(ctx, big.NewInt(40))
	require.NoError(t, err)
	require.Equal(t, "140", ch.State().Total.String())

	_, err = ch.ExtendExpiration(ctx, big.NewInt(900))
	require.NoError(t, err)
	require.True(t, ch.IsValid(big.NewInt(899)))

	_, err = ch.ExtendAndAddFunds(ctx, big.NewInt(1200), big.NewInt(60))
	require.NoError(t, err)
	st := ch.State()
	require.Equal(t, "200", st.Total.String())
	require.Equal(t, "1200", st.Expiration.String())
}
