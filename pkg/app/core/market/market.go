package market

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PairStatus defines the trading status of a pair
type PairStatus int8

const (
	Active PairStatus = iota // matching enabled
	Paused                   // admission halted, book kept
	Delisted                 // terminal
)

func (s PairStatus) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Delisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

// TokenRef locates a token contract on one chain.
type TokenRef struct {
	Address common.Address `json:"address"`
	Chain   uint64         `json:"chain"` // CCIP chain selector
}

func (r TokenRef) String() string {
	return fmt.Sprintf("%d:%s", r.Chain, r.Address.Hex())
}

// Token is materialized the first time a vault reports a deposit of it.
type Token struct {
	TokenRef
	Symbol    string    `json:"symbol,omitempty"`
	Decimals  uint8     `json:"decimals"`
	FirstSeen time.Time `json:"firstSeen"`
}

// Pair is a tradable base/quote combination. Prices are quoted in the
// quote token's smallest unit per smallest unit of base.
//
// Base and Quote may live on different chains; settlement of such a pair
// goes through the bridge.
type Pair struct {
	ID           string     `json:"id"`
	Base         TokenRef   `json:"base"`
	Quote        TokenRef   `json:"quote"`
	AllowResting bool       `json:"allowResting"` // false: unfilled remainder is cancelled
	Status       PairStatus `json:"status"`
}

// CrossChain reports whether settlement must bridge between chains.
func (p *Pair) CrossChain() bool {
	return p.Base.Chain != p.Quote.Chain
}

// Validate checks static pair configuration
func (p *Pair) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pair id must not be empty")
	}
	if p.Base == p.Quote {
		return fmt.Errorf("pair %s: base and quote are the same token", p.ID)
	}
	if p.Base.Chain == 0 || p.Quote.Chain == 0 {
		return fmt.Errorf("pair %s: chain selector must be set", p.ID)
	}
	return nil
}

// DerivedPairID names a pair materialized from a deposit.
func DerivedPairID(base, quote TokenRef) string {
	return base.String() + "/" + quote.String()
}
