package orderbook

import (
	"fmt"
	"testing"
)

// fillBook rests levels bids below 1000 and levels asks above 1100, perLevel
// orders each.
func fillBook(ob *OrderBook, levels, perLevel int) {
	for i := 0; i < levels; i++ {
		for j := 0; j < perLevel; j++ {
			ob.Place(newOrder(fmt.Sprintf("bid-%d-%d", i, j), Buy, 100, int64(1000-i)), true)
			ob.Place(newOrder(fmt.Sprintf("ask-%d-%d", i, j), Sell, 100, int64(1100+i)), true)
		}
	}
}

// BenchmarkOrderbookPlace crosses the spread with small takers.
func BenchmarkOrderbookPlace(b *testing.B) {
	ob := NewOrderBook()
	fillBook(ob, 100, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side, price := Buy, int64(1100)
		if i%2 == 0 {
			side, price = Sell, 1000
		}
		ob.Place(newOrder(fmt.Sprintf("bench-%d", i), side, 1, price), false)
		if i%10000 == 9999 {
			ob = NewOrderBook()
			fillBook(ob, 100, 1)
		}
	}
}

func BenchmarkOrderbookCancel(b *testing.B) {
	ob := NewOrderBook()
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("order-%d", i)
		ob.Place(newOrder(ids[i], Buy, 100, int64(1000+i)), true)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx := i % len(ids)
		ob.Cancel(ids[idx])
		if idx == len(ids)-1 {
			for j, id := range ids {
				ob.Place(newOrder(id, Buy, 100, int64(1000+j)), true)
			}
		}
	}
}

func BenchmarkOrderbookBestPrice(b *testing.B) {
	ob := NewOrderBook()
	fillBook(ob, 1000, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ob.BestBid()
		_ = ob.BestAsk()
	}
}

// BenchmarkOrderbookLevels aggregates depth the way snapshots do.
func BenchmarkOrderbookLevels(b *testing.B) {
	ob := NewOrderBook()
	fillBook(ob, 500, 5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ob.BidLevels()
		_ = ob.AskLevels()
	}
}
