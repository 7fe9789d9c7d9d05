package channel

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func syncedChannel(id, total, signed, expiration int64) *Channel {
	ch := NewChannel(big.NewInt(id), nil, nil, nil, 1, nil)
	ch.total = big.NewInt(total)
	ch.signed = big.NewInt(signed)
	ch.expiration = big.NewInt(expiration)
	ch.synced = true
	return ch
}

func TestChoose(t *testing.T) {
	price := big.NewInt(100)
	target := big.NewInt(1000)

	fundedValid := syncedChannel(1, 500, 0, 2000)
	fundedExpired := syncedChannel(2, 500, 0, 900)
	emptyValid := syncedChannel(3, 50, 0, 2000)
	emptyExpired := syncedChannel(4, 50, 0, 900)

	cases := []struct {
		name     string
		channels []*Channel
		branch   Branch
		want     *Channel
	}{
		{name: "no channels", branch: BranchOpen},
		{name: "ready wins over earlier candidates", channels: []*Channel{emptyExpired, fundedExpired, emptyValid, fundedValid}, branch: BranchReady, want: fundedValid},
		{name: "funded but expiring", channels: []*Channel{emptyExpired, emptyValid, fundedExpired}, branch: BranchExtend, want: fundedExpired},
		{name: "valid but short", channels: []*Channel{emptyExpired, emptyValid}, branch: BranchAddFunds, want: emptyValid},
		{name: "neither", channels: []*Channel{emptyExpired, syncedChannel(5, 10, 0, 10)}, branch: BranchExtendAndAddFunds, want: emptyExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Choose(tc.channels, price, target)
			require.Equal(t, tc.branch, decision.Branch)
			require.Same(t, tc.want, decision.Channel)
		})
	}
}

func TestChooseBoundaries(t *testing.T) {
	// Exactly the price is funded; expiring exactly at the target is not valid.
	atPrice := syncedChannel(1, 100, 0, 1000)
	decision := Choose([]*Channel{atPrice}, big.NewInt(100), big.NewInt(1000))
	require.Equal(t, BranchExtend, decision.Branch)

	decision = Choose([]*Channel{atPrice}, big.NewInt(100), big.NewInt(999))
	require.Equal(t, BranchReady, decision.Branch)
}

func TestAvailableUsesHigherOfLocalAndRemote(t *testing.T) {
	ch := syncedChannel(1, 1000, 200, 5000)
	ch.remoteSigned = big.NewInt(300)
	require.Equal(t, "700", ch.AvailableAmount().String())

	ch.remoteSigned = big.NewInt(100)
	require.Equal(t, "800", ch.AvailableAmount().String())
	require.True(t, ch.HasSufficientFunds(big.NewInt(800)))
	require.False(t, ch.HasSufficientFunds(big.NewInt(801)))
}
