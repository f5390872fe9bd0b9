package settlement

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/veilx/pkg/app/core/ledger"
	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/report"
)

type Status uint8

const (
	Pending Status = iota
	Submitted
	Bridging
	Completed
	Failed
)

var statusNames = [...]string{"PENDING", "SUBMITTED", "BRIDGING", "COMPLETED", "FAILED"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown settlement status %q", b)
}

func (s Status) Terminal() bool { return s == Completed || s == Failed }

// allowed lists the forward transitions. Confirmations may arrive before
// the submission receipt, so PENDING can jump straight to BRIDGING or
// COMPLETED.
var allowed = map[Status][]Status{
	Pending:   {Submitted, Bridging, Completed, Failed},
	Submitted: {Bridging, Completed, Failed},
	Bridging:  {Completed, Failed},
}

func canMove(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Leg is one ledger debit taken out of an order's reservation when the
// settlement was created. Failed settlements credit every consumed leg back.
type Leg struct {
	Side     string     `json:"side"` // "buy" or "sell"
	OrderID  string     `json:"orderId"`
	Key      ledger.Key `json:"key"`
	Amount   *big.Int   `json:"amount"`
	Consumed bool       `json:"consumed"`
}

// Settlement is the audit record of one fill, from match to on-chain
// outcome. Records are never deleted.
type Settlement struct {
	ID                common.Hash     `json:"id"`
	PairID            string          `json:"pairId"`
	BuyOrderID        string          `json:"buyOrderId"`
	SellOrderID       string          `json:"sellOrderId"`
	StealthBuyer      common.Address  `json:"stealthBuyer"`
	StealthSeller     common.Address  `json:"stealthSeller"`
	Base              market.TokenRef `json:"base"`
	Quote             market.TokenRef `json:"quote"`
	Amount            *big.Int        `json:"amount"`
	Price             int64           `json:"price"`
	QuoteAmount       *big.Int        `json:"quoteAmount"`
	ChainSelector     uint64          `json:"chainSelector"`
	DestChainSelector uint64          `json:"destChainSelector,omitempty"`
	BridgeMessageID   *common.Hash    `json:"bridgeMessageId,omitempty"`
	Status            Status          `json:"status"`
	Path              report.Path     `json:"path"`
	Fallback          bool            `json:"fallback"`
	TxRef             string          `json:"txRef,omitempty"`
	Legs              []Leg           `json:"legs"`
	Reason            string          `json:"reason,omitempty"`
	Mismatch          string          `json:"mismatch,omitempty"`
	Applied           []string        `json:"applied,omitempty"` // finalize steps already carried out
	Finalized         bool            `json:"finalized"`       // orders and ledger caught up with the terminal status
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// CrossChain reports whether the settlement goes through the bridge.
func (s *Settlement) CrossChain() bool { return s.DestChainSelector != 0 }

// ID returns keccak256(abi.encodePacked(keccak256(buyOrderId),
// keccak256(sellOrderId), stealthBuyer, stealthSeller)). Order ids are hashed
// first so ("ab", "c") and ("a", "bc") differ. It doubles as the on-chain
// orderId.
func ID(buyOrderID, sellOrderID string, stealthBuyer, stealthSeller common.Address) common.Hash {
	return crypto.Keccak256Hash(
		crypto.Keccak256([]byte(buyOrderID)),
		crypto.Keccak256([]byte(sellOrderID)),
		stealthBuyer.Bytes(),
		stealthSeller.Bytes(),
	)
}

type WithdrawalStatus uint8

const (
	WithdrawalPending WithdrawalStatus = iota
	WithdrawalProcessing
	WithdrawalCompleted
	WithdrawalFailed
)

var withdrawalNames = [...]string{"PENDING", "PROCESSING", "COMPLETED", "FAILED"}

func (s WithdrawalStatus) String() string {
	if int(s) < len(withdrawalNames) {
		return withdrawalNames[s]
	}
	return "UNKNOWN"
}

func (s WithdrawalStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *WithdrawalStatus) UnmarshalText(b []byte) error {
	for i, n := range withdrawalNames {
		if n == string(b) {
			*s = WithdrawalStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown withdrawal status %q", b)
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

type Withdrawal struct {
	ID        common.Hash      `json:"id"`
	User      common.Address   `json:"user"`
	Token     common.Address   `json:"token"`
	Chain     uint64           `json:"chain"`
	Amount    *big.Int         `json:"amount"`
	Status    WithdrawalStatus `json:"status"`
	Source    string           `json:"source"` // "api" or "chain"
	Debited   bool             `json:"debited"`
	Refunded  bool             `json:"refunded"`
	Path      report.Path      `json:"path"`
	Fallback  bool             `json:"fallback"`
	TxRef     string           `json:"txRef,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (w *Withdrawal) key() ledger.Key {
	return ledger.Key{User: w.User, Token: w.Token, Chain: w.Chain}
}

// WithdrawalRequest is the common input of the API call and the on-chain
// WithdrawalRequested event. A zero Token resolves to the chain's default
// withdrawal token.
type WithdrawalRequest struct {
	ID     common.Hash
	User   common.Address
	Token  common.Address
	Chain  uint64
	Amount *big.Int
	Source string
}

func sortByCreated(list []*Settlement) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}
