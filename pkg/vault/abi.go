// Package vault holds the ABI of the per-chain vault contract: the events
// the listeners decode and the onReport entry point the fallback submitter
// calls.
package vault

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const abiJSON = `[
  {"type":"event","name":"Funded","anonymous":false,"inputs":[
    {"name":"token","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"user","type":"address","indexed":true}]},
  {"type":"event","name":"WithdrawalRequested","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"withdrawalId","type":"bytes32","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"Settled","anonymous":false,"inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"stealthBuyer","type":"address","indexed":false},
    {"name":"stealthSeller","type":"address","indexed":false}]},
  {"type":"event","name":"CrossChainSettled","anonymous":false,"inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"destChainSelector","type":"uint64","indexed":false},
    {"name":"bridgeMessageId","type":"bytes32","indexed":false}]},
  {"type":"event","name":"TokenReleased","anonymous":false,"inputs":[
    {"name":"orderId","type":"bytes32","indexed":true},
    {"name":"recipient","type":"address","indexed":false},
    {"name":"token","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"function","name":"onReport","stateMutability":"nonpayable","inputs":[
    {"name":"report","type":"bytes"},
    {"name":"signature","type":"bytes"}],"outputs":[]}
]`

const (
	EventFunded              = "Funded"
	EventWithdrawalRequested = "WithdrawalRequested"
	EventSettled             = "Settled"
	EventCrossChainSettled   = "CrossChainSettled"
	EventTokenReleased       = "TokenReleased"

	MethodOnReport = "onReport"
)

// ABI is the parsed vault interface.
var ABI = mustParse()

func mustParse() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic("vault: bad abi: " + err.Error())
	}
	return parsed
}

// Topics returns the topic0 of every vault event the listener follows.
func Topics() []common.Hash {
	names := []string{EventFunded, EventWithdrawalRequested, EventSettled, EventCrossChainSettled, EventTokenReleased}
	out := make([]common.Hash, 0, len(names))
	for _, n := range names {
		out = append(out, ABI.Events[n].ID)
	}
	return out
}
