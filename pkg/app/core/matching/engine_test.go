package matching

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/app/core/ledger"
	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/app/core/orderbook"
	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/util"
)

const sepolia uint64 = 16015286601757825753

var (
	tbill = market.TokenRef{Address: common.HexToAddress("0x7B11000000000000000000000000000000000001"), Chain: sepolia}
	usdc  = market.TokenRef{Address: common.HexToAddress("0x05DC000000000000000000000000000000000002"), Chain: sepolia}

	buyer        = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	seller       = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	seller2      = common.HexToAddress("0xBC00000000000000000000000000000000000000")
	stealthBuy   = common.HexToAddress("0x5B00000000000000000000000000000000000001")
	stealthSell  = common.HexToAddress("0x5500000000000000000000000000000000000002")
	stealthSell2 = common.HexToAddress("0x5500000000000000000000000000000000000003")
)

// recordingSink consumes the matched holds the way settlement does and keeps
// every match it saw.
type recordingSink struct {
	ledger  *ledger.Ledger
	mu      sync.Mutex
	matches []MatchResult
}

func (s *recordingSink) OnMatch(ctx context.Context, m MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, m)
	id := m.BuyOrderID + ":" + m.SellOrderID
	if _, err := s.ledger.Consume(ctx, m.BuyOrderID, m.QuoteAmount, id+":buy"); err != nil {
		return err
	}
	_, err := s.ledger.Consume(ctx, m.SellOrderID, m.Amount, id+":sell")
	return err
}

func (s *recordingSink) all() []MatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MatchResult(nil), s.matches...)
}

type harness struct {
	engine   *Engine
	ledger   *ledger.Ledger
	registry *market.Registry
	store    *storage.PebbleStore
	sink     *recordingSink
	clock    *util.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newHarnessOn(t, store)
}

func newHarnessOn(t *testing.T, store *storage.PebbleStore) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()
	reg, err := market.NewRegistry(store, map[uint64]market.TokenRef{sepolia: usdc})
	require.NoError(t, err)
	for _, p := range []market.Pair{
		{ID: "TBILL-USDC", Base: tbill, Quote: usdc, AllowResting: true},
		{ID: "TBILL-USDC-IOC", Base: tbill, Quote: usdc},
	} {
		if _, err := reg.Pair(p.ID); err != nil {
			require.NoError(t, reg.RegisterPair(p))
		}
	}
	l := ledger.New(store, log)
	clock := util.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := New(reg, l, store, log, clock, metrics.New())
	sink := &recordingSink{ledger: l}
	e.SetSink(sink)
	t.Cleanup(e.Close)
	return &harness{engine: e, ledger: l, registry: reg, store: store, sink: sink, clock: clock}
}

func (h *harness) fund(t *testing.T, user common.Address, token market.TokenRef, amount int64) {
	t.Helper()
	k := ledger.Key{User: user, Token: token.Address, Chain: token.Chain}
	_, err := h.ledger.Credit(context.Background(), k, big.NewInt(amount), "fund:"+user.Hex()+":"+token.String())
	require.NoError(t, err)
}

func (h *harness) row(t *testing.T, user common.Address, token market.TokenRef) *ledger.TokenBalance {
	t.Helper()
	b, err := h.ledger.Balance(ledger.Key{User: user, Token: token.Address, Chain: token.Chain})
	require.NoError(t, err)
	return b
}

func (h *harness) reserved(t *testing.T, user common.Address, token market.TokenRef) int64 {
	return h.row(t, user, token).Reserved.Int64()
}

func (h *harness) balance(t *testing.T, user common.Address, token market.TokenRef) int64 {
	return h.row(t, user, token).Balance.Int64()
}

func order(pair string, side orderbook.Side, user, stealth common.Address, amount, price int64) PlaceOrder {
	return PlaceOrder{
		PairID:         pair,
		Side:           side,
		Amount:         big.NewInt(amount),
		Price:          price,
		UserAddress:    user,
		StealthAddress: stealth,
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  PlaceOrder
	}{
		{"zero amount", order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 0, 50)},
		{"zero price", order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 1, 0)},
		{"unknown pair", order("NOPE", orderbook.Buy, buyer, stealthBuy, 1, 50)},
		{"missing stealth", order("TBILL-USDC", orderbook.Buy, buyer, common.Address{}, 1, 50)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Submit(ctx, tt.req)
			assert.True(t, errors.Is(err, errs.ErrValidation), "err = %v", err)
		})
	}
}

func TestSubmitWithoutBalanceIsRejectedBeforeBookChange(t *testing.T) {
	h := newHarness(t)
	h.fund(t, buyer, usdc, 100)

	_, err := h.engine.Submit(context.Background(), order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.ErrorIs(t, err, errs.ErrInsufficientBalance)

	snap, err := h.engine.Snapshot(context.Background(), "TBILL-USDC")
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Equal(t, int64(0), h.reserved(t, buyer, usdc))
}

// SELL 6@50 rests, BUY 10@50 fills it and rests 4, SELL 10@48 then fills the
// remaining 4 at the resting bid's price.
func TestSequentialFillsAtRestingPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, seller, tbill, 6)
	h.fund(t, seller2, tbill, 10)
	h.fund(t, buyer, usdc, 500)

	_, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 6, 50))
	require.NoError(t, err)

	res, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, int64(50), res.Matches[0].Price)
	assert.Equal(t, "6", res.Matches[0].Amount.String())
	assert.Equal(t, "300", res.Matches[0].QuoteAmount.String())
	assert.Equal(t, orderbook.PartiallyFilled, res.Order.Status)
	buyID := res.Order.ID

	res, err = h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller2, stealthSell2, 10, 48))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, int64(50), m.Price)
	assert.Equal(t, "4", m.Amount.String())
	assert.Equal(t, buyID, m.BuyOrderID)
	assert.Equal(t, stealthBuy, m.StealthBuyer)
	assert.Equal(t, stealthSell2, m.StealthSeller)
	assert.Equal(t, orderbook.Sell, m.Taker)
	assert.Equal(t, "6", res.Order.Remaining.String())
	assert.Equal(t, orderbook.PartiallyFilled, res.Order.Status)

	buy, err := h.engine.Order(ctx, buyID)
	require.NoError(t, err)
	assert.Equal(t, "0", buy.Remaining.String())
	assert.Equal(t, orderbook.Matched, buy.Status)

	assert.Len(t, h.sink.all(), 2)
	snap, err := h.engine.Snapshot(context.Background(), "TBILL-USDC")
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, int64(48), snap.Asks[0].Price)
}

// With SELL 6@50 and SELL 10@48 both resting, price priority fills the 48
// ask first and leaves the 50 ask untouched.
func TestBestAskFillsFirstWhenBothRest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, seller, tbill, 6)
	h.fund(t, seller2, tbill, 10)
	h.fund(t, buyer, usdc, 500)

	first, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 6, 50))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller2, stealthSell2, 10, 48))
	require.NoError(t, err)

	res, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, int64(48), res.Matches[0].Price)
	assert.Equal(t, "10", res.Matches[0].Amount.String())
	assert.Equal(t, stealthSell2, res.Matches[0].StealthSeller)
	assert.Equal(t, orderbook.Matched, res.Order.Status)

	o, err := h.engine.Order(ctx, first.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "6", o.Remaining.String())
	assert.Equal(t, orderbook.Open, o.Status)
}

func TestBuyerPriceImprovementIsReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, seller, tbill, 10)
	h.fund(t, buyer, usdc, 500)

	_, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 10, 48))
	require.NoError(t, err)
	res, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.NoError(t, err)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "480", res.Matches[0].QuoteAmount.String())
	// 500 reserved, 10*(50-48) released back, 480 paid.
	assert.Equal(t, int64(0), h.reserved(t, buyer, usdc))
	assert.Equal(t, int64(20), h.balance(t, buyer, usdc))
}

// rejectingSink fails to record fills against one sell order.
type rejectingSink struct {
	*recordingSink
	sellOrderID string
}

func (s rejectingSink) OnMatch(ctx context.Context, m MatchResult) error {
	if m.SellOrderID == s.sellOrderID {
		return errors.New("settlement store unavailable")
	}
	return s.recordingSink.OnMatch(ctx, m)
}

func TestUnrecordedFillReleasesBothHolds(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSink(rejectingSink{recordingSink: h.sink, sellOrderID: "ask-unrecorded"})
	ctx := context.Background()
	h.fund(t, seller, tbill, 6)
	h.fund(t, seller2, tbill, 10)
	h.fund(t, buyer, usdc, 600)

	ask := order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 6, 50)
	ask.ID = "ask-unrecorded"
	_, err := h.engine.Submit(ctx, ask)
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller2, stealthSell2, 10, 51))
	require.NoError(t, err)

	res, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 52))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, stealthSell2, res.Matches[0].StealthSeller)
	assert.Equal(t, "4", res.Matches[0].Amount.String())
	assert.Len(t, h.sink.all(), 1)

	// Only the recorded 4@51 left the buyer; the 6@50 went back to both sides.
	assert.Equal(t, int64(0), h.reserved(t, buyer, usdc))
	assert.Equal(t, int64(396), h.balance(t, buyer, usdc))
	assert.Equal(t, int64(0), h.reserved(t, seller, tbill))
	assert.Equal(t, int64(6), h.balance(t, seller, tbill))
	assert.Equal(t, int64(6), h.reserved(t, seller2, tbill))

	assert.Equal(t, orderbook.Matched, res.Order.Status)
	assert.Equal(t, "6", res.Order.Failed.String())
	assert.Equal(t, "4", res.Order.Unresolved().String())

	o, err := h.engine.Order(ctx, "ask-unrecorded")
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, o.Status)
	assert.Equal(t, "6", o.Failed.String())
}

func TestUnrecordedFillReopensRestingTaker(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSink(rejectingSink{recordingSink: h.sink, sellOrderID: "ask-unrecorded"})
	ctx := context.Background()
	h.fund(t, seller, tbill, 6)
	h.fund(t, buyer, usdc, 500)

	ask := order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 6, 50)
	ask.ID = "ask-unrecorded"
	_, err := h.engine.Submit(ctx, ask)
	require.NoError(t, err)

	res, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Equal(t, orderbook.Open, res.Order.Status)
	assert.Equal(t, "4", res.Order.Remaining.String())
	// The resting remainder keeps its 4*50; the failed fill's 300 is free.
	assert.Equal(t, int64(200), h.reserved(t, buyer, usdc))
	assert.Equal(t, int64(500), h.balance(t, buyer, usdc))
	assert.Equal(t, int64(0), h.reserved(t, seller, tbill))
}

func TestNonRestingPairReleasesRemainder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, seller, tbill, 10)
	h.fund(t, buyer, usdc, 1000)

	// No liquidity: the order is cancelled outright.
	res, err := h.engine.Submit(ctx, order("TBILL-USDC-IOC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, res.Order.Status)
	assert.Equal(t, int64(0), h.reserved(t, buyer, usdc))

	require.NoError(t, h.registry.RegisterPair(market.Pair{ID: "TBILL-USDC-IOC", Base: tbill, Quote: usdc, AllowResting: true}))
	_, err = h.engine.Submit(ctx, order("TBILL-USDC-IOC", orderbook.Sell, seller, stealthSell, 4, 50))
	require.NoError(t, err)
	require.NoError(t, h.registry.RegisterPair(market.Pair{ID: "TBILL-USDC-IOC", Base: tbill, Quote: usdc}))

	res, err = h.engine.Submit(ctx, order("TBILL-USDC-IOC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, orderbook.Matched, res.Order.Status)
	assert.Equal(t, "6", res.Order.Remaining.String())
	// The filled 4*50 is paid, the unfilled 6*50 released.
	assert.Equal(t, int64(0), h.reserved(t, buyer, usdc))
	assert.Equal(t, int64(800), h.balance(t, buyer, usdc))
}

func TestCancelReleasesRemainingReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, buyer, usdc, 1000)
	h.fund(t, seller, tbill, 3)

	res, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 50))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 3, 50))
	require.NoError(t, err)
	assert.Equal(t, int64(350), h.reserved(t, buyer, usdc))

	ok, err := h.engine.Cancel(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), h.reserved(t, buyer, usdc))
	assert.Equal(t, int64(850), h.balance(t, buyer, usdc))

	o, err := h.engine.Order(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, o.Status)
	assert.Equal(t, "7", o.Remaining.String())

	ok, err = h.engine.Cancel(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.engine.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// A cancel racing a crossing order lands entirely before or after the match.
func TestCancelRacingMatchIsAtomic(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		h.fund(t, seller, tbill, 5)
		h.fund(t, buyer, usdc, 250)

		rest, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 5, 50))
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			cancelled bool
			taken     *SubmitResult
			cerr, serr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); cancelled, cerr = h.engine.Cancel(ctx, rest.Order.ID) }()
		go func() {
			defer wg.Done()
			taken, serr = h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 5, 50))
		}()
		wg.Wait()
		require.NoError(t, cerr)
		require.NoError(t, serr)

		assert.Equal(t, int64(0), h.reserved(t, seller, tbill))
		if cancelled {
			assert.Empty(t, taken.Matches)
			assert.Equal(t, int64(5), h.balance(t, seller, tbill))
		} else {
			require.Len(t, taken.Matches, 1)
			assert.Equal(t, "5", taken.Matches[0].Amount.String())
			assert.Equal(t, int64(0), h.balance(t, seller, tbill))
		}
	}
}

func TestExpireOrdersReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, buyer, usdc, 1000)

	req := order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 10, 50)
	req.TTL = time.Minute
	res, err := h.engine.Submit(ctx, req)
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 1, 49))
	require.NoError(t, err)

	n, err := h.engine.ExpireOrders(ctx, h.clock.Now().Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.engine.ExpireOrders(ctx, h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(49), h.reserved(t, buyer, usdc))

	o, err := h.engine.Order(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, o.Status)
}

func TestSettlementFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, seller, tbill, 10)
	h.fund(t, buyer, usdc, 1000)

	sell, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 10, 50))
	require.NoError(t, err)
	buy, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 4, 50))
	require.NoError(t, err)
	require.Equal(t, orderbook.Matched, buy.Order.Status)

	require.NoError(t, h.engine.MarkSettled(ctx, "TBILL-USDC", buy.Order.ID, big.NewInt(4)))
	o, err := h.engine.Order(ctx, buy.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Settled, o.Status)

	// The resting seller failed its only fill: back to OPEN.
	require.NoError(t, h.engine.FlagFallback(ctx, "TBILL-USDC", sell.Order.ID))
	require.NoError(t, h.engine.Rollback(ctx, "TBILL-USDC", sell.Order.ID, big.NewInt(4)))
	o, err = h.engine.Order(ctx, sell.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Open, o.Status)
	assert.True(t, o.Fallback)
	assert.Equal(t, "6", o.Remaining.String())
}

func TestRestoreRebuildsBooks(t *testing.T) {
	store, err := storage.NewMemStore()
	require.NoError(t, err)
	defer store.Close()

	h := newHarnessOn(t, store)
	ctx := context.Background()
	h.fund(t, seller, tbill, 10)
	h.fund(t, seller2, tbill, 10)
	first, err := h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller, stealthSell, 5, 50))
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, order("TBILL-USDC", orderbook.Sell, seller2, stealthSell2, 5, 50))
	require.NoError(t, err)
	h.engine.Close()

	h2 := newHarnessOn(t, store)
	n, err := h2.engine.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h2.fund(t, buyer, usdc, 1000)
	res, err := h2.engine.Submit(ctx, order("TBILL-USDC", orderbook.Buy, buyer, stealthBuy, 1, 50))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, first.Order.ID, res.Matches[0].SellOrderID)
	assert.Greater(t, res.Order.Seq, first.Order.Seq+1)
}
