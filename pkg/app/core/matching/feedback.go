package matching

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/uhyunpark/veilx/pkg/app/core/orderbook"
	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/storage"
)

// update loads an order (arena first, then audit store) on its pair's actor,
// applies fn and persists the result.
func (e *Engine) update(ctx context.Context, pairID, orderID string, fn func(a *pairActor, o *orderbook.Order)) error {
	return e.exec(ctx, pairID, func(_ context.Context, a *pairActor) error {
		o, ok := a.orders[orderID]
		if !ok {
			o = new(orderbook.Order)
			found, err := e.store.Get(storage.OrderKey(orderID), o)
			if err != nil {
				return err
			}
			if !found {
				return errs.NotFound("order", orderID)
			}
		}
		if o.Settled == nil {
			o.Settled = new(big.Int)
		}
		if o.Failed == nil {
			o.Failed = new(big.Int)
		}
		fn(a, o)
		return e.persist(o)
	})
}

// resolve closes an order that left the book once every filled unit has
// either settled or been refunded.
func resolve(a *pairActor, o *orderbook.Order) {
	if a.book.Contains(o.ID) || o.Status != orderbook.Matched || o.Unresolved().Sign() > 0 {
		return
	}
	if o.Settled.Sign() > 0 {
		_ = o.SetStatus(orderbook.Settled)
	} else {
		_ = o.SetStatus(orderbook.Cancelled)
	}
}

// unfill counts amount of the order's fills as failed. A still-resting order
// whose every fill failed returns to OPEN.
func unfill(a *pairActor, o *orderbook.Order, amount *big.Int) {
	if o.Failed == nil {
		o.Failed = new(big.Int)
	}
	o.Failed.Add(o.Failed, amount)
	if a.book.Contains(o.ID) && o.Status == orderbook.PartiallyFilled && o.Failed.Cmp(o.Filled()) >= 0 {
		o.Status = orderbook.Open
	}
	resolve(a, o)
}

// MarkSettled records amount of the order's fills as settled on-chain.
func (e *Engine) MarkSettled(ctx context.Context, pairID, orderID string, amount *big.Int) error {
	return e.update(ctx, pairID, orderID, func(a *pairActor, o *orderbook.Order) {
		o.Settled.Add(o.Settled, amount)
		resolve(a, o)
	})
}

// Rollback records amount of the order's fills as failed and refunded.
func (e *Engine) Rollback(ctx context.Context, pairID, orderID string, amount *big.Int) error {
	return e.update(ctx, pairID, orderID, func(a *pairActor, o *orderbook.Order) {
		unfill(a, o, amount)
		e.log.Warnw("order_rolled_back", "order_id", o.ID, "amount", amount.String(), "status", o.Status)
	})
}

// FlagFallback marks that a settlement of this order ran on the fallback
// path.
func (e *Engine) FlagFallback(ctx context.Context, pairID, orderID string) error {
	return e.update(ctx, pairID, orderID, func(_ *pairActor, o *orderbook.Order) {
		o.Fallback = true
	})
}

// ExpireOrders cancels every resting order whose ExpiresAt is at or before
// now and releases its reservation. It returns the number expired.
func (e *Engine) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	e.mu.Lock()
	pairs := make([]string, 0, len(e.actors))
	for id := range e.actors {
		pairs = append(pairs, id)
	}
	e.mu.Unlock()
	sort.Strings(pairs)

	total := 0
	for _, pairID := range pairs {
		err := e.exec(ctx, pairID, func(ctx context.Context, a *pairActor) error {
			var due []*orderbook.Order
			for _, o := range a.orders {
				if o.Expired(now) {
					due = append(due, o)
				}
			}
			sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
			for _, o := range due {
				if a.book.Cancel(o.ID) == nil {
					continue
				}
				if err := e.retire(ctx, a, o, "expire:"+o.ID); err != nil {
					return err
				}
				total++
				e.log.Infow("order_expired", "order_id", o.ID, "pair", pairID)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Restore rebuilds the books from the audit store after a restart. Resting
// orders keep their original sequence numbers and reservations.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	var resting []*orderbook.Order
	var maxSeq uint64
	err := storage.ScanInto(e.store, storage.OrderPrefix(), func(o *orderbook.Order) error {
		if o.Seq > maxSeq {
			maxSeq = o.Seq
		}
		if o.Status == orderbook.Open || o.Status == orderbook.PartiallyFilled {
			resting = append(resting, o)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if cur := e.seq.Load(); cur < maxSeq {
		e.seq.Store(maxSeq)
	}
	sort.Slice(resting, func(i, j int) bool { return resting[i].Seq < resting[j].Seq })

	loaded := 0
	for _, o := range resting {
		err := e.exec(ctx, o.PairID, func(_ context.Context, a *pairActor) error {
			a.book.Insert(o)
			a.orders[o.ID] = o
			e.mu.Lock()
			e.index[o.ID] = o.PairID
			e.mu.Unlock()
			e.bookChanged(a)
			return nil
		})
		if err != nil {
			e.log.Warnw("order_restore_skipped", "order_id", o.ID, "pair", o.PairID, "err", err)
			continue
		}
		loaded++
	}
	e.log.Infow("orderbook_restored", "orders", loaded)
	return loaded, nil
}
