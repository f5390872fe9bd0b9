package orderbook

import (
	"container/heap"
	"math/big"
	"sort"
	"sync"
)

// Fill is one step of a match: Amount of base traded at the resting (maker)
// order's price.
type Fill struct {
	TakerID string
	MakerID string
	Price   int64
	Amount  *big.Int
}

type PriceLevel struct {
	Price  int64    `json:"price"`
	Amount *big.Int `json:"amount"` // total remaining at this price
	Orders int      `json:"orders"`
}

// OrderBook holds the resting orders of one pair. Bids are ordered by
// (price desc, seq asc), asks by (price asc, seq asc).
//
// The book is owned by a single matcher goroutine; the lock only protects
// concurrent readers of the depth projection.
type OrderBook struct {
	mu sync.RWMutex

	// Heap-based best price tracking (O(1) peek)
	bidHeap *priceHeap
	askHeap *priceHeap

	// Price level queues (FIFO matching at each price)
	bids map[int64][]*Order
	asks map[int64][]*Order

	// Order index for O(1) cancellation lookup
	orderIndex map[string]int64 // order ID -> price

	lastPrice int64
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bidHeap:    newBidHeap(),
		askHeap:    newAskHeap(),
		bids:       make(map[int64][]*Order),
		asks:       make(map[int64][]*Order),
		orderIndex: make(map[string]int64),
	}
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Place matches o against the opposite side by price-time priority and
// decrements Remaining on both sides. Consumed resting orders leave the book.
// If rest is true and o still has Remaining, it is inserted into the book.
func (ob *OrderBook) Place(o *Order, rest bool) []Fill {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var fills []Fill
	for o.Remaining.Sign() > 0 {
		var (
			price int64
			ok    bool
			side  map[int64][]*Order
		)
		if o.Side == Buy {
			price, ok = ob.bestAsk()
			if !ok || price > o.Price {
				break
			}
			side = ob.asks
		} else {
			price, ok = ob.bestBid()
			if !ok || price < o.Price {
				break
			}
			side = ob.bids
		}

		level := side[price]
		maker := level[0]
		qty := minBig(o.Remaining, maker.Remaining)
		o.Remaining.Sub(o.Remaining, qty)
		maker.Remaining.Sub(maker.Remaining, qty)
		fills = append(fills, Fill{TakerID: o.ID, MakerID: maker.ID, Price: price, Amount: qty})
		ob.lastPrice = price

		if maker.Remaining.Sign() == 0 {
			ob.removeAt(maker.Side, price, 0)
		}
	}

	if rest && o.Remaining.Sign() > 0 {
		ob.add(o)
	}
	return fills
}

// Insert rests o without matching. Used to rebuild a book from persisted
// orders, which are never crossed.
func (ob *OrderBook) Insert(o *Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if _, ok := ob.orderIndex[o.ID]; ok {
		return
	}
	ob.add(o)
}

func (ob *OrderBook) add(o *Order) {
	if o.Side == Buy {
		if len(ob.bids[o.Price]) == 0 {
			heap.Push(ob.bidHeap, o.Price)
		}
		ob.bids[o.Price] = append(ob.bids[o.Price], o)
	} else {
		if len(ob.asks[o.Price]) == 0 {
			heap.Push(ob.askHeap, o.Price)
		}
		ob.asks[o.Price] = append(ob.asks[o.Price], o)
	}
	ob.orderIndex[o.ID] = o.Price
}

// removeAt drops the i-th order of a level and the level itself once empty.
func (ob *OrderBook) removeAt(side Side, price int64, i int) {
	levels := ob.asks
	if side == Buy {
		levels = ob.bids
	}
	level := levels[price]
	delete(ob.orderIndex, level[i].ID)
	level = append(level[:i], level[i+1:]...)

	if len(level) > 0 {
		levels[price] = level
		return
	}
	delete(levels, price)
	if side == Buy {
		ob.bidHeap.remove(price)
	} else {
		ob.askHeap.remove(price)
	}
}

// Cancel removes a resting order and returns it, or nil if it is not resting.
func (ob *OrderBook) Cancel(id string) *Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	price, ok := ob.orderIndex[id]
	if !ok {
		return nil
	}
	for _, side := range []Side{Buy, Sell} {
		levels := ob.asks
		if side == Buy {
			levels = ob.bids
		}
		for i, o := range levels[price] {
			if o.ID == id {
				ob.removeAt(side, price, i)
				return o
			}
		}
	}
	return nil
}

// Contains reports whether the order is resting in the book.
func (ob *OrderBook) Contains(id string) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.orderIndex[id]
	return ok
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orderIndex)
}

func (ob *OrderBook) bestBid() (int64, bool) { return ob.bidHeap.Peek() }
func (ob *OrderBook) bestAsk() (int64, bool) { return ob.askHeap.Peek() }

// BidLevels returns bid depth sorted high to low (best bid first).
func (ob *OrderBook) BidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels := aggregate(ob.bids)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	return levels
}

// AskLevels returns ask depth sorted low to high (best ask first).
func (ob *OrderBook) AskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels := aggregate(ob.asks)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels
}

func aggregate(side map[int64][]*Order) []PriceLevel {
	levels := make([]PriceLevel, 0, len(side))
	for price, orders := range side {
		total := new(big.Int)
		for _, o := range orders {
			total.Add(total, o.Remaining)
		}
		levels = append(levels, PriceLevel{Price: price, Amount: total, Orders: len(orders)})
	}
	return levels
}

// Resting returns the resting orders in priority order: bids first, then asks.
func (ob *OrderBook) Resting() []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var out []*Order
	bidPrices := make([]int64, 0, len(ob.bids))
	for p := range ob.bids {
		bidPrices = append(bidPrices, p)
	}
	sort.Slice(bidPrices, func(i, j int) bool { return bidPrices[i] > bidPrices[j] })
	for _, p := range bidPrices {
		out = append(out, ob.bids[p]...)
	}

	askPrices := make([]int64, 0, len(ob.asks))
	for p := range ob.asks {
		askPrices = append(askPrices, p)
	}
	sort.Slice(askPrices, func(i, j int) bool { return askPrices[i] < askPrices[j] })
	for _, p := range askPrices {
		out = append(out, ob.asks[p]...)
	}
	return out
}

// BestBid returns the highest bid price, or 0 with no bids.
func (ob *OrderBook) BestBid() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	p, _ := ob.bestBid()
	return p
}

// BestAsk returns the lowest ask price, or 0 with no asks.
func (ob *OrderBook) BestAsk() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	p, _ := ob.bestAsk()
	return p
}

// LastPrice returns the price of the most recent fill (0 before any trade).
func (ob *OrderBook) LastPrice() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}
