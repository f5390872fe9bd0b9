package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	bal:<user>:<token>:<chain>          → ledger.TokenBalance
//	hold:<holdID>                       → ledger.Hold
//	evt:<user>:<token>:<chain>:<event>  → applied-event marker
//	ord:<orderID>                       → orderbook.Order (audit copy)
//	stl:<settlementID>                  → settlement.Settlement
//	wdr:<withdrawalID>                  → settlement.Withdrawal
//	cur:<chain>                         → listener.Cursor
//	tok:<chain>:<address>               → market.Token
//	pair:<pairID>                       → market.Pair
//
// Chain selectors are zero-padded to 20 digits so prefix scans stay ordered.
const (
	prefixBalance    = "bal:"
	prefixHold       = "hold:"
	prefixEvent      = "evt:"
	prefixOrder      = "ord:"
	prefixSettlement = "stl:"
	prefixWithdrawal = "wdr:"
	prefixCursor     = "cur:"
	prefixToken      = "tok:"
	prefixPair       = "pair:"
)

func BalanceKey(user, token common.Address, chain uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixBalance, user.Hex(), token.Hex(), chain))
}

// BalancePrefix covers every balance row of one user.
func BalancePrefix(user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, user.Hex()))
}

func HoldKey(holdID string) []byte {
	return []byte(prefixHold + holdID)
}

func HoldPrefix() []byte { return []byte(prefixHold) }

// AppliedEventKey scopes an event id to the balance row it mutated.
func AppliedEventKey(user, token common.Address, chain uint64, eventID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d:%s", prefixEvent, user.Hex(), token.Hex(), chain, eventID))
}

func OrderKey(orderID string) []byte { return []byte(prefixOrder + orderID) }

func OrderPrefix() []byte { return []byte(prefixOrder) }

func SettlementKey(id string) []byte { return []byte(prefixSettlement + id) }

func SettlementPrefix() []byte { return []byte(prefixSettlement) }

func WithdrawalKey(id string) []byte { return []byte(prefixWithdrawal + id) }

func WithdrawalPrefix() []byte { return []byte(prefixWithdrawal) }

func CursorKey(chain uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCursor, chain))
}

func TokenKey(chain uint64, addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixToken, chain, addr.Hex()))
}

func TokenPrefix() []byte { return []byte(prefixToken) }

func PairKey(pairID string) []byte { return []byte(prefixPair + pairID) }

func PairPrefix() []byte { return []byte(prefixPair) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
// ("bal:0xab:" -> "bal:0xab;").
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
