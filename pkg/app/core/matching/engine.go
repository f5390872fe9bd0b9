// Package matching runs one serial matcher per trading pair. Callers never
// touch a book directly: every submission, cancellation and settlement
// feedback travels through the pair's admission queue and executes on the
// pair's actor goroutine, so matching within a pair is deterministic while
// different pairs match concurrently.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/app/core/orderbook"
	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/util"
)

var ErrClosed = errors.New("matching engine closed")

const defaultQueueSize = 256

// pairActor owns the book of one pair and the arena of its resting orders.
type pairActor struct {
	id     string
	book   *orderbook.OrderBook
	orders map[string]*orderbook.Order
	inbox  chan func()
}

type Engine struct {
	pairs    Pairs
	ledger   Ledger
	sink     MatchSink
	observer BookObserver
	store    *storage.PebbleStore
	log      *zap.SugaredLogger
	clock    util.Clock
	metrics  *metrics.Metrics

	seq atomic.Uint64

	mu     sync.Mutex
	actors map[string]*pairActor
	index  map[string]string // resting order id -> pair id

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(pairs Pairs, l Ledger, store *storage.PebbleStore, log *zap.SugaredLogger, clock util.Clock, m *metrics.Metrics) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		pairs:   pairs,
		ledger:  l,
		store:   store,
		log:     log,
		clock:   clock,
		metrics: m,
		actors:  make(map[string]*pairActor),
		index:   make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetSink wires the settlement side. Must be called before the first Submit.
func (e *Engine) SetSink(s MatchSink) { e.sink = s }

func (e *Engine) SetObserver(o BookObserver) { e.observer = o }

// Close stops all pair actors. Commands still queued fail with ErrClosed.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) actor(pairID string) (*pairActor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.actors[pairID]; ok {
		return a, nil
	}
	if _, err := e.pairs.Pair(pairID); err != nil {
		return nil, err
	}
	a := &pairActor{
		id:     pairID,
		book:   orderbook.NewOrderBook(),
		orders: make(map[string]*orderbook.Order),
		inbox:  make(chan func(), defaultQueueSize),
	}
	e.actors[pairID] = a
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case fn := <-a.inbox:
				fn()
			}
		}
	}()
	return a, nil
}

func (e *Engine) lookupActor(pairID string) *pairActor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actors[pairID]
}

// exec runs fn on the pair's actor and waits for it. Once admitted, a
// command runs to completion even if the caller's context is cancelled.
func (e *Engine) exec(ctx context.Context, pairID string, fn func(ctx context.Context, a *pairActor) error) error {
	a, err := e.actor(pairID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	cmdCtx := context.WithoutCancel(ctx)
	cmd := func() { done <- fn(cmdCtx, a) }

	select {
	case a.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func validate(req PlaceOrder) error {
	switch {
	case req.PairID == "":
		return errs.Validation("pair id is required")
	case req.Side != orderbook.Buy && req.Side != orderbook.Sell:
		return errs.Validation("side must be BUY or SELL")
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return errs.Validation("amount must be positive")
	case req.Price <= 0:
		return errs.Validation("price must be positive")
	case req.StealthAddress == (common.Address{}):
		return errs.Validation("stealth address is required")
	case req.UserAddress == (common.Address{}):
		return errs.Validation("user address is required")
	case req.TTL < 0:
		return errs.Validation("ttl must not be negative")
	}
	return nil
}

// Submit reserves the order's funds, matches it and returns one MatchResult
// per fill. Validation and balance errors are returned before any state
// changes.
func (e *Engine) Submit(ctx context.Context, req PlaceOrder) (*SubmitResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	pair, err := e.pairs.Pair(req.PairID)
	if err != nil {
		return nil, errs.Validation("unknown pair %s", req.PairID)
	}
	if pair.Status != market.Active {
		return nil, errs.Validation("pair %s is %s", pair.ID, pair.Status)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var res *SubmitResult
	err = e.exec(ctx, pair.ID, func(ctx context.Context, a *pairActor) error {
		// Re-read inside the actor: status may have changed while queued.
		p, err := e.pairs.Pair(pair.ID)
		if err != nil {
			return err
		}
		if p.Status != market.Active {
			return errs.Validation("pair %s is %s", p.ID, p.Status)
		}
		res, err = e.submit(ctx, a, p, req)
		return err
	})

	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	e.metrics.OrdersTotal.WithLabelValues(pair.ID, req.Side.String(), result).Inc()
	return res, err
}

func (e *Engine) submit(ctx context.Context, a *pairActor, pair market.Pair, req PlaceOrder) (*SubmitResult, error) {
	if _, ok := a.orders[req.ID]; ok {
		return nil, errs.Validation("order %s already exists", req.ID)
	}
	if ok, err := e.store.Has(storage.OrderKey(req.ID)); err != nil {
		return nil, err
	} else if ok {
		return nil, errs.Validation("order %s already exists", req.ID)
	}

	now := e.clock.Now()
	o := &orderbook.Order{
		ID:             req.ID,
		PairID:         pair.ID,
		Side:           req.Side,
		Amount:         new(big.Int).Set(req.Amount),
		Price:          req.Price,
		Remaining:      new(big.Int).Set(req.Amount),
		Settled:        new(big.Int),
		Failed:         new(big.Int),
		StealthAddress: req.StealthAddress,
		UserAddress:    req.UserAddress,
		Status:         orderbook.Pending,
		CreatedAt:      now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		o.ExpiresAt = &exp
	}
	res := &SubmitResult{}
	tracef := func(format string, args ...any) {
		res.Trace = append(res.Trace, fmt.Sprintf(format, args...))
	}

	key, need := reservation(pair, o)
	if _, err := e.ledger.Reserve(ctx, key, o.ID, need); err != nil {
		return nil, err
	}
	o.Seq = e.seq.Add(1)
	tracef("reserved %s of %s on chain %d", need, key.Token.Hex(), key.Chain)
	if err := o.SetStatus(orderbook.Open); err != nil {
		return nil, err
	}

	fills := a.book.Place(o, pair.AllowResting)
	touched := []*orderbook.Order{o}
	unrecorded := new(big.Int)
	for _, f := range fills {
		maker, ok := a.orders[f.MakerID]
		if !ok {
			return nil, fmt.Errorf("resting order %s missing from arena", f.MakerID)
		}
		if maker.Remaining.Sign() == 0 {
			_ = maker.SetStatus(orderbook.Matched)
			delete(a.orders, maker.ID)
			e.unindex(maker.ID)
		} else {
			_ = maker.SetStatus(orderbook.PartiallyFilled)
		}
		touched = append(touched, maker)

		if o.Side == orderbook.Buy && f.Price < o.Price {
			excess := new(big.Int).Mul(f.Amount, big.NewInt(o.Price-f.Price))
			if _, err := e.ledger.Release(ctx, o.ID, excess, "improve:"+o.ID+":"+maker.ID); err != nil {
				e.log.Errorw("price_improvement_release_failed", "order_id", o.ID, "maker_id", maker.ID, "err", err)
			}
		}

		m := newMatch(pair, o, maker, f)
		if e.sink != nil {
			if err := e.sink.OnMatch(ctx, m); err != nil {
				e.log.Errorw("settlement_enqueue_failed", "buy_order_id", m.BuyOrderID, "sell_order_id", m.SellOrderID, "err", err)
				e.unwind(ctx, m)
				unfill(a, maker, m.Amount)
				unrecorded.Add(unrecorded, m.Amount)
				tracef("fill %s @ %d against %s not recorded, released", f.Amount, f.Price, maker.ID)
				continue
			}
		}
		res.Matches = append(res.Matches, m)
		tracef("filled %s @ %d against %s", f.Amount, f.Price, maker.ID)
		e.metrics.FillsTotal.WithLabelValues(pair.ID).Inc()
	}

	switch {
	case o.Remaining.Sign() == 0:
		_ = o.SetStatus(orderbook.Matched)
	case a.book.Contains(o.ID):
		if len(fills) > 0 {
			_ = o.SetStatus(orderbook.PartiallyFilled)
		}
		a.orders[o.ID] = o
		e.mu.Lock()
		e.index[o.ID] = pair.ID
		e.mu.Unlock()
		tracef("resting %s @ %d", o.Remaining, o.Price)
	default:
		released, err := e.ledger.ReleaseAll(ctx, o.ID, "unfilled:"+o.ID)
		if err != nil {
			e.log.Errorw("reservation_release_failed", "order_id", o.ID, "err", err)
		}
		if len(fills) > 0 {
			_ = o.SetStatus(orderbook.Matched)
		} else {
			_ = o.SetStatus(orderbook.Cancelled)
		}
		tracef("pair does not rest orders, released %s", released)
	}
	if unrecorded.Sign() > 0 {
		unfill(a, o, unrecorded)
	}

	if err := e.persist(touched...); err != nil {
		return nil, err
	}
	e.bookChanged(a)

	e.log.Infow("order_accepted",
		"order_id", o.ID,
		"pair", pair.ID,
		"side", o.Side,
		"price", o.Price,
		"amount", o.Amount.String(),
		"fills", len(fills),
		"status", o.Status,
	)
	res.Order = o.Clone()
	return res, nil
}

// Cancel removes a resting order and releases its remaining reservation.
// It returns false if the order is no longer resting.
func (e *Engine) Cancel(ctx context.Context, orderID string) (bool, error) {
	e.mu.Lock()
	pairID, ok := e.index[orderID]
	e.mu.Unlock()
	if !ok {
		if found, err := e.store.Has(storage.OrderKey(orderID)); err != nil {
			return false, err
		} else if !found {
			return false, errs.NotFound("order", orderID)
		}
		return false, nil
	}

	var cancelled bool
	err := e.exec(ctx, pairID, func(ctx context.Context, a *pairActor) error {
		o, ok := a.orders[orderID]
		if !ok || a.book.Cancel(orderID) == nil {
			return nil
		}
		cancelled = true
		return e.retire(ctx, a, o, "cancel:"+orderID)
	})
	if cancelled {
		e.log.Infow("order_cancelled", "order_id", orderID, "pair", pairID)
	}
	return cancelled, err
}

// retire finishes an order that already left the book: its reservation is
// released and it becomes CANCELLED for the remaining quantity.
func (e *Engine) retire(ctx context.Context, a *pairActor, o *orderbook.Order, eventID string) error {
	if _, err := e.ledger.ReleaseAll(ctx, o.ID, eventID); err != nil {
		return err
	}
	_ = o.SetStatus(orderbook.Cancelled)
	delete(a.orders, o.ID)
	e.unindex(o.ID)
	if err := e.persist(o); err != nil {
		return err
	}
	e.bookChanged(a)
	return nil
}

// unwind hands back the holds of a fill the settlement side never recorded.
// The buy hold still carries the quote at the fill price because any price
// improvement was released before the sink ran.
func (e *Engine) unwind(ctx context.Context, m MatchResult) {
	eventID := "unrecorded:" + m.BuyOrderID + ":" + m.SellOrderID
	if _, err := e.ledger.Release(ctx, m.BuyOrderID, m.QuoteAmount, eventID+":buy"); err != nil {
		e.log.Errorw("unrecorded_fill_release_failed", "order_id", m.BuyOrderID, "err", err)
	}
	if _, err := e.ledger.Release(ctx, m.SellOrderID, m.Amount, eventID+":sell"); err != nil {
		e.log.Errorw("unrecorded_fill_release_failed", "order_id", m.SellOrderID, "err", err)
	}
}

func (e *Engine) unindex(orderID string) {
	e.mu.Lock()
	delete(e.index, orderID)
	e.mu.Unlock()
}

func (e *Engine) persist(orders ...*orderbook.Order) error {
	b := e.store.NewBatch()
	defer b.Close()
	for _, o := range orders {
		if err := b.Put(storage.OrderKey(o.ID), o); err != nil {
			return err
		}
	}
	return b.Commit()
}

func (e *Engine) bookChanged(a *pairActor) {
	e.metrics.RestingOrders.WithLabelValues(a.id).Set(float64(a.book.Len()))
	if e.observer != nil {
		e.observer.OrderbookChanged(a.id)
	}
}

// Snapshot returns the current depth of a pair. It runs on the pair's
// actor, so it must not be called from a MatchSink or BookObserver.
func (e *Engine) Snapshot(ctx context.Context, pairID string) (Snapshot, error) {
	if _, err := e.pairs.Pair(pairID); err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{PairID: pairID, Bids: []orderbook.PriceLevel{}, Asks: []orderbook.PriceLevel{}}
	if e.lookupActor(pairID) == nil {
		return s, nil
	}
	err := e.exec(ctx, pairID, func(_ context.Context, a *pairActor) error {
		s.Bids = a.book.BidLevels()
		s.Asks = a.book.AskLevels()
		s.BestBid = a.book.BestBid()
		s.BestAsk = a.book.BestAsk()
		s.LastPrice = a.book.LastPrice()
		return nil
	})
	return s, err
}

// Order returns a copy of an order, live or from the audit store.
func (e *Engine) Order(ctx context.Context, orderID string) (*orderbook.Order, error) {
	e.mu.Lock()
	pairID, live := e.index[orderID]
	e.mu.Unlock()

	if live {
		var out *orderbook.Order
		err := e.exec(ctx, pairID, func(_ context.Context, a *pairActor) error {
			if o, ok := a.orders[orderID]; ok {
				out = o.Clone()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}

	var o orderbook.Order
	found, err := e.store.Get(storage.OrderKey(orderID), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("order", orderID)
	}
	return &o, nil
}
