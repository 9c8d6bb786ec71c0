package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the contracts the broker drives. The escrow
// and broker contracts are deployed separately; only the entry points the
// engine calls are declared here.

const erc20ABIJSON = `[
	{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"Transfer","type":"event","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

const brokerABIJSON = `[
	{"name":"swapNative","type":"function","stateMutability":"payable","inputs":[
		{"name":"dealId","type":"bytes32"},{"name":"payback","type":"address"},
		{"name":"recipient","type":"address"},{"name":"feeRecipient","type":"address"},
		{"name":"amount","type":"uint256"},{"name":"fees","type":"uint256"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"name":"revertNative","type":"function","stateMutability":"payable","inputs":[
		{"name":"dealId","type":"bytes32"},{"name":"payback","type":"address"},
		{"name":"recipient","type":"address"},{"name":"feeRecipient","type":"address"},
		{"name":"amount","type":"uint256"},{"name":"fees","type":"uint256"},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"name":"swapERC20","type":"function","inputs":[
		{"name":"dealId","type":"bytes32"},{"name":"escrow","type":"address"},
		{"name":"token","type":"address"},{"name":"payback","type":"address"},
		{"name":"recipient","type":"address"},{"name":"feeRecipient","type":"address"},
		{"name":"amount","type":"uint256"},{"name":"fees","type":"uint256"}],"outputs":[]},
	{"name":"revertERC20","type":"function","inputs":[
		{"name":"dealId","type":"bytes32"},{"name":"escrow","type":"address"},
		{"name":"token","type":"address"},{"name":"payback","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const aggregatorABIJSON = `[
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	erc20ABI      abi.ABI
	brokerABI     abi.ABI
	aggregatorABI abi.ABI

	transferTopic = [32]byte{}
)

func init() {
	var err error
	if erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
		panic(err)
	}
	if brokerABI, err = abi.JSON(strings.NewReader(brokerABIJSON)); err != nil {
		panic(err)
	}
	if aggregatorABI, err = abi.JSON(strings.NewReader(aggregatorABIJSON)); err != nil {
		panic(err)
	}
	copy(transferTopic[:], erc20ABI.Events["Transfer"].ID.Bytes())
}
