package channel

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"snetpay/crypto"
	"snetpay/identity"
	"snetpay/mpe"
)

func TestGateSignsNextAmount(t *testing.T) {
	f := newFixture(t)
	f.addChannel(7, 1000, 5000)
	ch := f.channel(t, 7, 1)
	gate := NewGate(testMPE, f.signer)

	auth, err := gate.Authorize(context.Background(), ch, big.NewInt(150))
	require.NoError(t, err)
	defer auth.Release()

	require.Equal(t, "150", auth.Amount.String())
	require.Equal(t, "0", auth.Nonce.String())
	require.Equal(t, "7", auth.ChannelID.String())

	msg, err := mpe.ClaimMessage(testMPE, big.NewInt(7), big.NewInt(0), big.NewInt(150))
	require.NoError(t, err)
	signer, err := crypto.RecoverPersonal(msg.Digest(), auth.Signature)
	require.NoError(t, err)
	require.Equal(t, f.signer.Address(), signer)

	require.Equal(t, "150", ch.State().Signed.String())
	w, ok, err := f.store.Watermark(context.Background(), big.NewInt(7))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "150", w.SignedAmount.String())
}

func TestGateRefusesAboveTotal(t *testing.T) {
	f := newFixture(t)
	f.addChannel(1, 100, 5000)
	ch := f.channel(t, 1, 2)
	gate := NewGate(testMPE, f.signer)

	auth, err := gate.Authorize(context.Background(), ch, big.NewInt(60))
	require.NoError(t, err)
	auth.Release()

	_, err = gate.Authorize(context.Background(), ch, big.NewInt(60))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, "60", ch.State().Signed.String())
}

func TestGateSigningFailureLeavesWatermark(t *testing.T) {
	f := newFixture(t)
	f.addChannel(1, 1000, 5000)
	ch := f.channel(t, 1, 1)
	boom := errors.New("hardware wallet unplugged")
	gate := NewGate(testMPE, identity.FuncSigner{
		Account: f.signer.Address(),
		SignFn: func(context.Context, common.Hash) ([]byte, error) {
			return nil, boom
		},
	})

	_, err := gate.Authorize(context.Background(), ch, big.NewInt(10))
	require.ErrorIs(t, err, ErrSigningFailed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "0", ch.State().Signed.String())
	_, ok, err := f.store.Watermark(context.Background(), big.NewInt(1))
	require.NoError(t, err)
	require.False(t, ok)

	// The slot was returned: a working gate can still sign.
	auth, err := NewGate(testMPE, f.signer).Authorize(context.Background(), ch, big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, "10", auth.Amount.String())
}

func TestGateRejectsUnsyncedChannel(t *testing.T) {
	f := newFixture(t)
	ch := NewChannel(big.NewInt(1), f.ledger, nil, f.store, 1, nil)
	_, err := NewGate(testMPE, f.signer).Authorize(context.Background(), ch, big.NewInt(1))
	require.ErrorIs(t, err, ErrNotSynced)
}

func TestGateConcurrentAuthorizationsAreDistinct(t *testing.T) {
	const callers = 64
	f := newFixture(t)
	f.addChannel(3, 10*callers, 5000)
	ch := f.channel(t, 3, 8)
	gate := NewGate(testMPE, f.signer)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		amounts []int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			auth, err := gate.Authorize(context.Background(), ch, big.NewInt(10))
			if !assertNoError(t, err) {
				return
			}
			defer auth.Release()
			mu.Lock()
			amounts = append(amounts, auth.Amount.Int64())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, amounts, callers)
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })
	for i, amount := range amounts {
		require.Equal(t, int64(10*(i+1)), amount)
	}
	require.Equal(t, big.NewInt(10*callers).String(), ch.State().Signed.String())
}

func assertNoError(t *testing.T, err error) bool {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
		return false
	}
	return true
}

func TestGateCallAllowanceBlocksUntilRelease(t *testing.T) {
	f := newFixture(t)
	f.addChannel(1, 1000, 5000)
	ch := f.channel(t, 1, 1)
	gate := NewGate(testMPE, f.signer)

	first, err := gate.Authorize(context.Background(), ch, big.NewInt(10))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = gate.Authorize(ctx, ch, big.NewInt(10))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	first.Release()
	first.Release()
	second, err := gate.Authorize(context.Background(), ch, big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, "20", second.Amount.String())
	second.Release()
}

func TestGateClaimSignerOverride(t *testing.T) {
	f := newFixture(t)
	f.addChannel(1, 1000, 5000)
	ch := f.channel(t, 1, 1)

	var seen Claim
	gate := NewGate(testMPE, nil, WithClaimSigner(func(_ context.Context, claim Claim) ([]byte, error) {
		seen = claim
		return []byte{0xaa}, nil
	}))
	auth, err := gate.Authorize(context.Background(), ch, big.NewInt(25))
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa}, auth.Signature)
	require.Equal(t, "25", seen.Amount.String())
	require.Equal(t, testMPE, seen.MPEAddress)
}
