package orderbook

import "container/heap"

// priceHeap tracks the distinct price levels of one book side. The best
// price sits at index 0: highest for bids, lowest for asks.
// Manipulate it through container/heap (Init, Push, Pop, Remove).
type priceHeap struct {
	prices []int64
	better func(a, b int64) bool
}

func newBidHeap() *priceHeap {
	h := &priceHeap{better: func(a, b int64) bool { return a > b }}
	heap.Init(h)
	return h
}

func newAskHeap() *priceHeap {
	h := &priceHeap{better: func(a, b int64) bool { return a < b }}
	heap.Init(h)
	return h
}

func (h priceHeap) Len() int           { return len(h.prices) }
func (h priceHeap) Less(i, j int) bool { return h.better(h.prices[i], h.prices[j]) }
func (h priceHeap) Swap(i, j int)      { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }

func (h *priceHeap) Push(x any) {
	h.prices = append(h.prices, x.(int64))
}

func (h *priceHeap) Pop() any {
	n := len(h.prices)
	x := h.prices[n-1]
	h.prices = h.prices[:n-1]
	return x
}

// Peek returns the best price without removing it.
func (h *priceHeap) Peek() (int64, bool) {
	if len(h.prices) == 0 {
		return 0, false
	}
	return h.prices[0], true
}

// remove drops a price level (O(N) scan, only when a level empties).
func (h *priceHeap) remove(price int64) {
	for i, p := range h.prices {
		if p == price {
			heap.Remove(h, i)
			return
		}
	}
}
