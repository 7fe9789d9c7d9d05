package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const mpeABIJSON = `[
 {"type":"function","name":"channels","stateMutability":"view",
  "inputs":[{"name":"","type":"uint256"}],
  "outputs":[{"name":"nonce","type":"uint256"},{"name":"sender","type":"address"},{"name":"signer","type":"address"},{"name":"recipient","type":"address"},{"name":"groupId","type":"bytes32"},{"name":"value","type":"uint256"},{"name":"expiration","type":"uint256"}]},
 {"type":"function","name":"balances","stateMutability":"view",
  "inputs":[{"name":"","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"token","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"deposit","stateMutability":"nonpayable",
  "inputs":[{"name":"value","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable",
  "inputs":[{"name":"value","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"openChannel","stateMutability":"nonpayable",
  "inputs":[{"name":"signer","type":"address"},{"name":"recipient","type":"address"},{"name":"groupId","type":"bytes32"},{"name":"value","type":"uint256"},{"name":"expiration","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"depositAndOpenChannel","stateMutability":"nonpayable",
  "inputs":[{"name":"signer","type":"address"},{"name":"recipient","type":"address"},{"name":"groupId","type":"bytes32"},{"name":"value","type":"uint256"},{"name":"expiration","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"channelAddFunds","stateMutability":"nonpayable",
  "inputs":[{"name":"channel_id","type":"uint256"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"channelExtend","stateMutability":"nonpayable",
  "inputs":[{"name":"channel_id","type":"uint256"},{"name":"new_expiration","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"channelExtendAndAddFunds","stateMutability":"nonpayable",
  "inputs":[{"name":"channel_id","type":"uint256"},{"name":"new_expiration","type":"uint256"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"ChannelOpen","anonymous":false,
  "inputs":[{"name":"channelId","type":"uint256","indexed":false},{"name":"nonce","type":"uint256","indexed":false},{"name":"sender","type":"address","indexed":true},{"name":"signer","type":"address","indexed":false},{"name":"recipient","type":"address","indexed":true},{"name":"groupId","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"expiration","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	mpeABI   = mustParseABI(mpeABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)

	// ChannelOpenTopic is topic0 of the ChannelOpen event.
	ChannelOpenTopic = mpeABI.Events["ChannelOpen"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
