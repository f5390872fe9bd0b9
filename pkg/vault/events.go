package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Meta locates a decoded log. ID is stable across re-deliveries of the same
// log and is the idempotency key for everything the event causes.
type Meta struct {
	ID       string      `json:"id"`
	Chain    uint64      `json:"chain"`
	Block    uint64      `json:"block"`
	TxHash   common.Hash `json:"txHash"`
	LogIndex uint        `json:"logIndex"`
}

// EventID formats chainSelector:txHash:logIndex.
func EventID(chain uint64, tx common.Hash, logIndex uint) string {
	return fmt.Sprintf("%d:%s:%d", chain, tx.Hex(), logIndex)
}

// Event is any decoded vault log.
type Event interface {
	EventMeta() Meta
	Name() string
}

type Funded struct {
	Meta
	Token  common.Address `json:"token"`
	User   common.Address `json:"user"`
	Amount *big.Int       `json:"amount"`
}

type WithdrawalRequested struct {
	Meta
	User         common.Address `json:"user"`
	Amount       *big.Int       `json:"amount"`
	WithdrawalID common.Hash    `json:"withdrawalId"`
	Timestamp    *big.Int       `json:"timestamp"`
}

type Settled struct {
	Meta
	OrderID       common.Hash    `json:"orderId"`
	StealthBuyer  common.Address `json:"stealthBuyer"`
	StealthSeller common.Address `json:"stealthSeller"`
}

type CrossChainSettled struct {
	Meta
	OrderID           common.Hash `json:"orderId"`
	DestChainSelector uint64      `json:"destChainSelector"`
	BridgeMessageID   common.Hash `json:"bridgeMessageId"`
}

type TokenReleased struct {
	Meta
	OrderID   common.Hash    `json:"orderId"`
	Recipient common.Address `json:"recipient"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
}

func (e Funded) EventMeta() Meta              { return e.Meta }
func (e WithdrawalRequested) EventMeta() Meta { return e.Meta }
func (e Settled) EventMeta() Meta             { return e.Meta }
func (e CrossChainSettled) EventMeta() Meta   { return e.Meta }
func (e TokenReleased) EventMeta() Meta       { return e.Meta }

func (Funded) Name() string              { return EventFunded }
func (WithdrawalRequested) Name() string { return EventWithdrawalRequested }
func (Settled) Name() string             { return EventSettled }
func (CrossChainSettled) Name() string   { return EventCrossChainSettled }
func (TokenReleased) Name() string       { return EventTokenReleased }
