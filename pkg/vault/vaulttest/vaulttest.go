// Package vaulttest builds raw vault logs the way a node would deliver them.
package vaulttest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/veilx/pkg/vault"
)

// Pos places a log in the chain.
type Pos struct {
	Block uint64
	Index uint
	Tx    common.Hash // derived from Block and Index when zero
}

// Log encodes event name with args given in ABI input order.
func Log(addr common.Address, pos Pos, name string, args ...any) types.Log {
	ev, ok := vault.ABI.Events[name]
	if !ok {
		panic("vaulttest: unknown event " + name)
	}
	if len(args) != len(ev.Inputs) {
		panic(fmt.Sprintf("vaulttest: %s takes %d args", name, len(ev.Inputs)))
	}

	topics := []common.Hash{ev.ID}
	var data []any
	for i, in := range ev.Inputs {
		if !in.Indexed {
			data = append(data, args[i])
			continue
		}
		t, err := abi.MakeTopics([]any{args[i]})
		if err != nil {
			panic(err)
		}
		topics = append(topics, t[0][0])
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}

	tx := pos.Tx
	if tx == (common.Hash{}) {
		tx = common.BigToHash(new(big.Int).SetUint64(pos.Block<<16 | uint64(pos.Index)))
	}
	return types.Log{
		Address:     addr,
		Topics:      topics,
		Data:        packed,
		BlockNumber: pos.Block,
		TxHash:      tx,
		Index:       pos.Index,
	}
}

func Funded(addr common.Address, pos Pos, token, user common.Address, amount int64) types.Log {
	return Log(addr, pos, vault.EventFunded, token, big.NewInt(amount), user)
}

func WithdrawalRequested(addr common.Address, pos Pos, user common.Address, amount int64, id common.Hash) types.Log {
	return Log(addr, pos, vault.EventWithdrawalRequested, user, big.NewInt(amount), [32]byte(id), big.NewInt(1_700_000_000))
}

func Settled(addr common.Address, pos Pos, orderID common.Hash, buyer, seller common.Address) types.Log {
	return Log(addr, pos, vault.EventSettled, [32]byte(orderID), buyer, seller)
}

func CrossChainSettled(addr common.Address, pos Pos, orderID common.Hash, dest uint64, msgID common.Hash) types.Log {
	return Log(addr, pos, vault.EventCrossChainSettled, [32]byte(orderID), dest, [32]byte(msgID))
}

func TokenReleased(addr common.Address, pos Pos, orderID common.Hash, recipient, token common.Address, amount int64) types.Log {
	return Log(addr, pos, vault.EventTokenReleased, [32]byte(orderID), recipient, token, big.NewInt(amount))
}
