package matching

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veilx/pkg/app/core/ledger"
	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/app/core/orderbook"
)

// Ledger is the slice of the balance ledger the engine needs for order
// reservations.
type Ledger interface {
	Reserve(ctx context.Context, k ledger.Key, holdID string, amount *big.Int) (bool, error)
	Release(ctx context.Context, holdID string, amount *big.Int, eventID string) (bool, error)
	ReleaseAll(ctx context.Context, holdID, eventID string) (*big.Int, error)
}

type Pairs interface {
	Pair(id string) (market.Pair, error)
}

// MatchSink receives every fill. It runs inside the pair's actor, so it must
// not block on network calls. An error means the fill was not recorded: the
// engine releases both holds and counts the fill as failed on both orders.
type MatchSink interface {
	OnMatch(ctx context.Context, m MatchResult) error
}

// BookObserver is told when a pair's resting depth changed.
type BookObserver interface {
	OrderbookChanged(pairID string)
}

// MatchResult describes one fill between a buy and a sell order.
type MatchResult struct {
	PairID        string          `json:"pairId"`
	BuyOrderID    string          `json:"buyOrderId"`
	SellOrderID   string          `json:"sellOrderId"`
	Buyer         common.Address  `json:"buyer"`
	Seller        common.Address  `json:"seller"`
	StealthBuyer  common.Address  `json:"stealthBuyer"`
	StealthSeller common.Address  `json:"stealthSeller"`
	Base          market.TokenRef `json:"base"`
	Quote         market.TokenRef `json:"quote"`
	Amount        *big.Int        `json:"amount"`      // base units
	Price         int64           `json:"price"`       // resting order's price
	QuoteAmount   *big.Int        `json:"quoteAmount"` // Amount * Price
	Taker         orderbook.Side  `json:"taker"`
}

// PlaceOrder is an order submission. ID is generated when empty.
type PlaceOrder struct {
	ID             string
	PairID         string
	Side           orderbook.Side
	Amount         *big.Int
	Price          int64
	StealthAddress common.Address
	UserAddress    common.Address
	TTL            time.Duration // zero: good till cancelled
}

type SubmitResult struct {
	Order   *orderbook.Order `json:"order"`
	Matches []MatchResult    `json:"matches"`
	Trace   []string         `json:"-"` // progress lines for streamed responses
}

// Snapshot is the read-only depth of one pair.
type Snapshot struct {
	PairID    string                 `json:"pairId"`
	Bids      []orderbook.PriceLevel `json:"bids"`
	Asks      []orderbook.PriceLevel `json:"asks"`
	BestBid   int64                  `json:"bestBid"`
	BestAsk   int64                  `json:"bestAsk"`
	LastPrice int64                  `json:"lastPrice"`
}

// reservation returns the ledger key and amount an order must hold: quote
// for a buy (amount*price), base for a sell.
func reservation(p market.Pair, o *orderbook.Order) (ledger.Key, *big.Int) {
	if o.Side == orderbook.Buy {
		k := ledger.Key{User: o.UserAddress, Token: p.Quote.Address, Chain: p.Quote.Chain}
		return k, new(big.Int).Mul(o.Amount, big.NewInt(o.Price))
	}
	k := ledger.Key{User: o.UserAddress, Token: p.Base.Address, Chain: p.Base.Chain}
	return k, new(big.Int).Set(o.Amount)
}

func newMatch(p market.Pair, taker, maker *orderbook.Order, f orderbook.Fill) MatchResult {
	buy, sell := taker, maker
	if taker.Side == orderbook.Sell {
		buy, sell = maker, taker
	}
	amount := new(big.Int).Set(f.Amount)
	return MatchResult{
		PairID:        p.ID,
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		Buyer:         buy.UserAddress,
		Seller:        sell.UserAddress,
		StealthBuyer:  buy.StealthAddress,
		StealthSeller: sell.StealthAddress,
		Base:          p.Base,
		Quote:         p.Quote,
		Amount:        amount,
		Price:         f.Price,
		QuoteAmount:   new(big.Int).Mul(amount, big.NewInt(f.Price)),
		Taker:         taker.Side,
	}
}
