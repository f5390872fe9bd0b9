package darkpool

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/params"
	"github.com/uhyunpark/veilx/pkg/app/core/ledger"
	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/app/core/matching"
	"github.com/uhyunpark/veilx/pkg/app/core/orderbook"
	"github.com/uhyunpark/veilx/pkg/listener"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/report/reporttest"
	"github.com/uhyunpark/veilx/pkg/settlement"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/util"
	"github.com/uhyunpark/veilx/pkg/vault"
	"github.com/uhyunpark/veilx/pkg/vault/vaulttest"
)

const sepolia uint64 = 16015286601757825753

var (
	sepoliaVault  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdc          = common.HexToAddress("0x05DC000000000000000000000000000000000002")
	tbill         = common.HexToAddress("0x7B11000000000000000000000000000000000001")
	buyer         = common.HexToAddress("0xB000000000000000000000000000000000000001")
	seller        = common.HexToAddress("0x5E00000000000000000000000000000000000002")
	stealthBuyer  = common.HexToAddress("0x5B00000000000000000000000000000000000003")
	stealthSeller = common.HexToAddress("0x5500000000000000000000000000000000000004")
)

func testConfig() params.Config {
	cfg := params.Default()
	cfg.Chains = []params.Chain{{
		Name:          "sepolia",
		Selector:      sepolia,
		RPCURL:        "ws://sepolia.invalid",
		Vault:         sepoliaVault.Hex(),
		QuoteToken:    usdc.Hex(),
		QuoteSymbol:   "USDC",
		QuoteDecimals: 6,
	}}
	cfg.Pairs = []params.Pair{{
		ID:           "TBILL-USDC",
		BaseToken:    tbill.Hex(),
		BaseChain:    sepolia,
		BaseSymbol:   "TBILL",
		QuoteToken:   usdc.Hex(),
		QuoteChain:   sepolia,
		AllowResting: true,
	}}
	cfg.Settlement.Workers = 2
	cfg.Settlement.HomeChain = sepolia
	cfg.Listener.RetryInterval = time.Millisecond
	return cfg
}

type fixture struct {
	t   *testing.T
	app *App
	sub *reporttest.Recorder
}

func newFixture(t *testing.T, d listener.Dialer) *fixture {
	t.Helper()
	store, err := storage.NewMemStore()
	require.NoError(t, err)

	sub := &reporttest.Recorder{}
	app, err := NewApp(testConfig(), Deps{
		Store:     store,
		Submitter: sub,
		Dialer:    d,
		Log:       zap.NewNop().Sugar(),
		Clock:     util.RealClock{},
		Metrics:   metrics.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		app.Close()
		store.Close()
	})
	return &fixture{t: t, app: app, sub: sub}
}

func (f *fixture) run() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()
	f.t.Cleanup(func() {
		cancel()
		assert.NoError(f.t, <-done)
	})
}

// apply decodes a log exactly as a listener would and hands it to the app.
func (f *fixture) apply(lg types.Log) error {
	f.t.Helper()
	ev, err := vault.Decode(sepolia, lg)
	require.NoError(f.t, err)
	return f.app.Apply(context.Background(), ev)
}

func (f *fixture) balance(user, token common.Address) (string, string) {
	f.t.Helper()
	b, err := f.app.Ledger.Balance(ledger.Key{User: user, Token: token, Chain: sepolia})
	require.NoError(f.t, err)
	return b.Balance.String(), b.Reserved.String()
}

func TestNewAppRegistersConfiguredPairs(t *testing.T) {
	f := newFixture(t, nil)

	p, err := f.app.Registry.Pair("TBILL-USDC")
	require.NoError(t, err)
	assert.Equal(t, market.Active, p.Status)
	assert.True(t, p.AllowResting)

	tok, ok := f.app.Registry.Token(market.TokenRef{Address: usdc, Chain: sepolia})
	require.True(t, ok)
	assert.Equal(t, "USDC", tok.Symbol)
	assert.Equal(t, uint8(6), tok.Decimals)
}

func TestDuplicateFundedCreditsOnce(t *testing.T) {
	f := newFixture(t, nil)

	lg := vaulttest.Funded(sepoliaVault, vaulttest.Pos{Block: 10, Index: 0}, usdc, buyer, 1000)
	require.NoError(t, f.apply(lg))
	require.NoError(t, f.apply(lg))

	bal, reserved := f.balance(buyer, usdc)
	assert.Equal(t, "1000", bal)
	assert.Equal(t, "0", reserved)
}

func TestFundedUnknownTokenListsPair(t *testing.T) {
	f := newFixture(t, nil)
	gold := common.HexToAddress("0x601D000000000000000000000000000000000009")

	require.NoError(t, f.apply(vaulttest.Funded(sepoliaVault, vaulttest.Pos{Block: 3}, gold, seller, 5)))

	id := market.DerivedPairID(market.TokenRef{Address: gold, Chain: sepolia}, market.TokenRef{Address: usdc, Chain: sepolia})
	p, err := f.app.Registry.Pair(id)
	require.NoError(t, err)
	assert.Equal(t, usdc, p.Quote.Address)
	assert.True(t, p.AllowResting)

	bal, _ := f.balance(seller, gold)
	assert.Equal(t, "5", bal)
}

func TestChainWithdrawalWithoutFundsIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	id := common.HexToHash("0xabc1")

	err := f.apply(vaulttest.WithdrawalRequested(sepoliaVault, vaulttest.Pos{Block: 4}, buyer, 50, id))
	require.NoError(t, err)

	w, err := f.app.Orchestrator.Withdrawal(id)
	require.NoError(t, err)
	assert.Equal(t, settlement.WithdrawalFailed, w.Status)
	assert.Equal(t, settlement.SourceChain, w.Source)
	assert.Equal(t, usdc, w.Token)
	assert.Empty(t, f.sub.Withdrawals())
}

func TestTradeSettlesEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.run()
	ctx := context.Background()

	require.NoError(t, f.apply(vaulttest.Funded(sepoliaVault, vaulttest.Pos{Block: 1}, usdc, buyer, 1000)))
	require.NoError(t, f.apply(vaulttest.Funded(sepoliaVault, vaulttest.Pos{Block: 1, Index: 1}, tbill, seller, 10)))

	ask, err := f.app.Engine.Submit(ctx, matching.PlaceOrder{
		PairID: "TBILL-USDC", Side: orderbook.Sell, Amount: big.NewInt(4), Price: 50,
		StealthAddress: stealthSeller, UserAddress: seller,
	})
	require.NoError(t, err)
	bid, err := f.app.Engine.Submit(ctx, matching.PlaceOrder{
		PairID: "TBILL-USDC", Side: orderbook.Buy, Amount: big.NewInt(4), Price: 50,
		StealthAddress: stealthBuyer, UserAddress: buyer,
	})
	require.NoError(t, err)
	require.Len(t, bid.Matches, 1)

	sid := settlement.ID(bid.Order.ID, ask.Order.ID, stealthBuyer, stealthSeller)
	require.Eventually(t, func() bool {
		s, err := f.app.Orchestrator.Settlement(sid)
		return err == nil && s.Status == settlement.Submitted
	}, 2*time.Second, 5*time.Millisecond)

	settles := f.sub.Settles()
	require.Len(t, settles, 1)
	assert.Equal(t, sid, settles[0].OrderID)
	assert.Equal(t, "4", settles[0].AmountA.String())
	assert.Equal(t, "200", settles[0].AmountB.String())

	bal, reserved := f.balance(buyer, usdc)
	assert.Equal(t, "800", bal)
	assert.Equal(t, "0", reserved)
	bal, reserved = f.balance(seller, tbill)
	assert.Equal(t, "6", bal)
	assert.Equal(t, "0", reserved)

	require.NoError(t, f.apply(vaulttest.Settled(sepoliaVault, vaulttest.Pos{Block: 2}, sid, stealthBuyer, stealthSeller)))
	require.Eventually(t, func() bool {
		s, err := f.app.Orchestrator.Settlement(sid)
		return err == nil && s.Status == settlement.Completed && s.Finalized
	}, 2*time.Second, 5*time.Millisecond)

	for _, id := range []string{ask.Order.ID, bid.Order.ID} {
		o, err := f.app.Engine.Order(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orderbook.Settled, o.Status, id)
	}
}

// staticSource serves a fixed chain history and an idle subscription.
type staticSource struct {
	logs []types.Log
	head uint64
}

func (s *staticSource) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return &idleSub{errc: make(chan error)}, nil
}

func (s *staticSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range s.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (s *staticSource) BlockNumber(context.Context) (uint64, error) { return s.head, nil }
func (s *staticSource) Close()                                      {}

type idleSub struct {
	errc chan error
	once sync.Once
}

func (s *idleSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *idleSub) Err() <-chan error { return s.errc }

func TestListenerFeedsLedger(t *testing.T) {
	deposit := vaulttest.Funded(sepoliaVault, vaulttest.Pos{Block: 5, Index: 2}, usdc, buyer, 300)
	src := &staticSource{
		head: 8,
		logs: []types.Log{
			deposit,
			deposit, // re-delivered by the node
			vaulttest.Funded(sepoliaVault, vaulttest.Pos{Block: 7}, usdc, buyer, 20),
		},
	}
	f := newFixture(t, listener.DialerFunc(func(context.Context, string) (listener.LogSource, error) {
		return src, nil
	}))
	f.run()

	require.Eventually(t, func() bool {
		bal, _ := f.balance(buyer, usdc)
		return bal == "320"
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st := f.app.Listeners.Statuses()
		return len(st) == 1 && st[0].Cursor != nil && st[0].Cursor.Block == 7
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "SUBSCRIBED", f.app.Listeners.Statuses()[0].State)
}
