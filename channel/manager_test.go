package channel

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"snetpay/ledger"
	"snetpay/store"
)

func TestManagerOpensWithDepositWhenEscrowEmpty(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetTokenBalance(f.signer.Address(), 1000)
	m := f.manager(t, Config{ExpirationThreshold: 100})
	ctx := context.Background()

	ch, branch, err := m.Select(ctx, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, BranchOpen, branch)

	calls := f.ledger.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, ledger.OpDepositAndOpenChannel, calls[0].Op)
	require.Equal(t, "100", calls[0].Amount.String())
	require.Equal(t, "101", calls[0].Expiration.String())

	st := ch.State()
	require.Equal(t, "100", st.Available.String())
	require.Equal(t, testRecipient, st.Recipient)

	auth, err := m.Gate().Authorize(ctx, ch, big.NewInt(100))
	require.NoError(t, err)
	auth.Release()
	require.Equal(t, "100", auth.Amount.String())
}

func TestManagerOpensFromEscrowWhenFunded(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetEscrowBalance(f.signer.Address(), 1000)
	m := f.manager(t, Config{ExpirationThreshold: 100, FundingCalls: 3})

	ch, branch, err := m.Select(context.Background(), big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, BranchOpen, branch)
	require.Equal(t, 1, f.ledger.CallCount(ledger.OpOpenChannel))
	require.Zero(t, f.ledger.CallCount(ledger.OpDepositAndOpenChannel))
	require.Equal(t, "300", ch.AvailableAmount().String())
	require.Len(t, m.Channels(), 1)
}

func TestManagerAddsFundsToValidChannel(t *testing.T) {
	f := newFixture(t)
	f.addChannel(0, 150, 10_000)
	f.remote.set(0, 0, 100)
	f.ledger.SetEscrowBalance(f.signer.Address(), 1000)
	m := f.manager(t, Config{ExpirationThreshold: 100})
	ctx := context.Background()

	ch, branch, err := m.Select(ctx, big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, BranchAddFunds, branch)

	calls := f.ledger.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, ledger.OpAddFunds, calls[0].Op)
	require.Equal(t, "100", calls[0].Amount.String())
	require.Equal(t, "150", ch.AvailableAmount().String())

	auth, err := m.Gate().Authorize(ctx, ch, big.NewInt(100))
	require.NoError(t, err)
	auth.Release()
	require.Equal(t, "200", auth.Amount.String())
}

func TestManagerExtendsFundedChannel(t *testing.T) {
	f := newFixture(t)
	f.addChannel(0, 1000, 50)
	f.ledger.SetBlock(10)
	m := f.manager(t, Config{ExpirationThreshold: 100, BlockOffset: 20})

	ch, branch, err := m.Select(context.Background(), big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, BranchExtend, branch)
	require.Equal(t, "130", ch.State().Expiration.String())
	require.Zero(t, f.ledger.CallCount(ledger.OpAddFunds))
}

func TestManagerExtendsAndAddsFunds(t *testing.T) {
	f := newFixture(t)
	f.addChannel(0, 5, 50)
	f.ledger.SetEscrowBalance(f.signer.Address(), 1000)
	f.ledger.SetBlock(10)
	m := f.manager(t, Config{ExpirationThreshold: 100})

	ch, branch, err := m.Select(context.Background(), big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, BranchExtendAndAddFunds, branch)
	st := ch.State()
	require.Equal(t, "15", st.Total.String())
	require.Equal(t, "110", st.Expiration.String())
}

func TestManagerUsesReadyChannelWithoutTransactions(t *testing.T) {
	f := newFixture(t)
	f.addChannel(0, 10, 10_000)
	f.addChannel(1, 1000, 10_000)
	m := f.manager(t, Config{ExpirationThreshold: 100})

	ch, branch, err := m.Select(context.Background(), big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, BranchReady, branch)
	require.Equal(t, "1", ch.ID().String())
	require.Empty(t, f.ledger.Calls())
}

func TestManagerConcurrentFirstCallsOpenOnce(t *testing.T) {
	const callers = 10
	f := newFixture(t)
	f.ledger.SetEscrowBalance(f.signer.Address(), 10_000)
	f.ledger.SetTxDelay(5 * time.Millisecond)
	m := f.manager(t, Config{ExpirationThreshold: 100, FundingCalls: callers, CallAllowance: callers})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		amounts []int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			auth, err := m.Authorize(context.Background(), big.NewInt(10))
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

	require.Equal(t, 1, f.ledger.CallCount(ledger.OpOpenChannel))
	require.Len(t, m.Channels(), 1)
	require.Len(t, amounts, callers)
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })
	for i, amount := range amounts {
		require.Equal(t, int64(10*(i+1)), amount)
	}
}

func TestManagerAuthorizeTopsUpExhaustedChannel(t *testing.T) {
	f := newFixture(t)
	f.addChannel(0, 100, 10_000)
	f.ledger.SetEscrowBalance(f.signer.Address(), 1000)
	m := f.manager(t, Config{ExpirationThreshold: 100})
	ctx := context.Background()

	first, err := m.Authorize(ctx, big.NewInt(100))
	require.NoError(t, err)
	first.Release()
	require.Equal(t, "100", first.Amount.String())

	second, err := m.Authorize(ctx, big.NewInt(100))
	require.NoError(t, err)
	second.Release()
	require.Equal(t, "200", second.Amount.String())
	require.Equal(t, 1, f.ledger.CallCount(ledger.OpAddFunds))
}

func TestManagerOpenFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetTokenBalance(f.signer.Address(), 1000)
	f.ledger.FailNext(ledger.OpDepositAndOpenChannel, nil)
	m := f.manager(t, Config{ExpirationThreshold: 100})

	_, branch, err := m.Select(context.Background(), big.NewInt(100))
	require.ErrorIs(t, err, ledger.ErrTransactionFailed)
	require.Equal(t, BranchOpen, branch)
	require.Empty(t, m.Channels())
}

func TestManagerRejectsInvalidPrice(t *testing.T) {
	m := newFixture(t).manager(t, Config{})
	_, _, err := m.Select(context.Background(), big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = m.Authorize(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestManagerDiscoveryPersistsCursor(t *testing.T) {
	f := newFixture(t)
	f.addChannel(0, 100, 10_000)
	f.ledger.SetBlock(40)
	ctx := context.Background()

	m := f.manager(t, Config{})
	require.NoError(t, m.Discover(ctx))
	require.Len(t, m.Channels(), 1)

	d, err := f.store.Discovery(ctx, m.discoveryKey())
	require.NoError(t, err)
	require.Equal(t, uint64(40), d.LastBlock)
	require.Len(t, d.ChannelIDs, 1)

	f.ledger.SetBlock(50)
	f.addChannel(1, 100, 10_000)

	restarted := f.manager(t, Config{})
	require.NoError(t, restarted.Discover(ctx))
	ids := make([]string, 0, 2)
	for _, ch := range restarted.Channels() {
		ids = append(ids, ch.ID().String())
	}
	require.Equal(t, []string{"0", "1"}, ids)
}

func TestManagerDiscoveryIgnoresOtherSigners(t *testing.T) {
	f := newFixture(t)
	f.ledger.AddChannel(ledger.ChannelInfo{
		ChannelID:  big.NewInt(0),
		Signer:     common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
		Recipient:  testRecipient,
		GroupID:    testGroup,
		Value:      big.NewInt(100),
		Expiration: big.NewInt(10_000),
	})
	m := f.manager(t, Config{})
	require.NoError(t, m.Discover(context.Background()))
	require.Empty(t, m.Channels())
}

func TestManagerRefreshIsRateLimited(t *testing.T) {
	f := newFixture(t)
	f.addChannel(0, 100, 10_000)
	m := f.manager(t, Config{RefreshInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, m.Refresh(ctx))
	reads := f.ledger.Reads()
	require.NoError(t, m.Refresh(ctx))
	require.Equal(t, reads, f.ledger.Reads())
	require.True(t, m.Channels()[0].Synced())
}

func TestManagerWithSQLiteStore(t *testing.T) {
	f := newFixture(t)
	db, err := store.OpenSQLite(t.TempDir() + "/snetpay.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f.store = db
	f.addChannel(0, 1000, 10_000)
	m := f.manager(t, Config{ExpirationThreshold: 100})

	auth, err := m.Authorize(context.Background(), big.NewInt(40))
	require.NoError(t, err)
	auth.Release()

	w, ok, err := db.Watermark(context.Background(), big.NewInt(0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "40", w.SignedAmount.String())
}
