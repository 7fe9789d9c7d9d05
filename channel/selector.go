package channel

import "math/big"

// Branch names the selection rule that produced a channel.
type Branch string

const (
	// BranchOpen: no channel exists, a new one must be opened.
	BranchOpen Branch = "open"
	// BranchReady: a funded and valid channel needs no ledger transaction.
	BranchReady Branch = "ready"
	// BranchExtend: a funded channel must have its expiration extended.
	BranchExtend Branch = "extend"
	// BranchAddFunds: a valid channel must be topped up.
	BranchAddFunds Branch = "add_funds"
	// BranchExtendAndAddFunds: no channel is funded or valid; the first
	// one gets both in one transaction.
	BranchExtendAndAddFunds Branch = "extend_and_add_funds"
)

// Decision is the outcome of Choose. Channel is nil for BranchOpen.
type Decision struct {
	Branch  Branch
	Channel *Channel
}

// Choose applies the selection rules in priority order to channels, which
// must be in discovery order. A channel is funded when it can cover price
// and valid when it expires after targetExpiry. The first match wins:
//
//  1. no channels: open
//  2. first funded and valid channel: use as is
//  3. first funded channel: extend
//  4. first valid channel: add funds
//  5. otherwise the first channel: extend and add funds
//
// Choose performs no I/O; callers apply the decision.
func Choose(channels []*Channel, price, targetExpiry *big.Int) Decision {
	if len(channels) == 0 {
		return Decision{Branch: BranchOpen}
	}
	var funded, valid *Channel
	for _, ch := range channels {
		isFunded := ch.HasSufficientFunds(price)
		isValid := ch.IsValid(targetExpiry)
		if isFunded && isValid {
			return Decision{Branch: BranchReady, Channel: ch}
		}
		if isFunded && funded == nil {
			funded = ch
		}
		if isValid && valid == nil {
			valid = ch
		}
	}
	if funded != nil {
		return Decision{Branch: BranchExtend, Channel: funded}
	}
	if valid != nil {
		return Decision{Branch: BranchAddFunds, Channel: valid}
	}
	return Decision{Branch: BranchExtendAndAddFunds, Channel: channels[0]}
}
