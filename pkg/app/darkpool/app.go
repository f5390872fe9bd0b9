// Package darkpool wires the matcher, the ledger, the settlement
// orchestrator and the chain listeners into one node.
package darkpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/veilx/params"
	"github.com/uhyunpark/veilx/pkg/app/core/ledger"
	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/app/core/matching"
	"github.com/uhyunpark/veilx/pkg/events"
	"github.com/uhyunpark/veilx/pkg/listener"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/report"
	"github.com/uhyunpark/veilx/pkg/settlement"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/util"
)

// Deps are the outside-world collaborators of the node.
type Deps struct {
	Store     *storage.PebbleStore
	Submitter report.Submitter
	Publisher events.Publisher // nil: events are dropped
	Dialer    listener.Dialer  // nil: no chain listeners are started
	Log       *zap.SugaredLogger
	Clock     util.Clock
	Metrics   *metrics.Metrics
}

type App struct {
	Registry     *market.Registry
	Ledger       *ledger.Ledger
	Engine       *matching.Engine
	Orchestrator *settlement.Orchestrator
	Listeners    *listener.Supervisor

	cfg     params.Config
	log     *zap.SugaredLogger
	clock   util.Clock
	metrics *metrics.Metrics
}

func NewApp(cfg params.Config, d Deps) (*App, error) {
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}

	quotes := make(map[uint64]market.TokenRef)
	vaults := make(map[uint64]common.Address)
	withdrawTokens := make(map[uint64]common.Address)
	for _, ch := range cfg.Chains {
		vaults[ch.Selector] = ch.VaultAddress()
		if ch.QuoteToken != "" {
			quotes[ch.Selector] = market.TokenRef{Address: ch.QuoteAddress(), Chain: ch.Selector}
			withdrawTokens[ch.Selector] = ch.QuoteAddress()
		}
	}

	registry, err := market.NewRegistry(d.Store, quotes)
	if err != nil {
		return nil, err
	}
	if err := registerMarkets(registry, cfg); err != nil {
		return nil, err
	}

	l := ledger.New(d.Store, d.Log.Named("ledger"))
	engine := matching.New(registry, l, d.Store, d.Log.Named("matching"), d.Clock, d.Metrics)
	orch := settlement.New(settlement.Config{
		Workers:        cfg.Settlement.Workers,
		HomeChain:      cfg.Settlement.HomeChain,
		Vaults:         vaults,
		WithdrawTokens: withdrawTokens,
	}, d.Store, l, engine, d.Submitter, d.Publisher, d.Log.Named("settlement"), d.Clock, d.Metrics)
	engine.SetSink(orch)

	a := &App{
		Registry:     registry,
		Ledger:       l,
		Engine:       engine,
		Orchestrator: orch,
		cfg:          cfg,
		log:          d.Log,
		clock:        d.Clock,
		metrics:      d.Metrics,
	}

	var ls []*listener.Listener
	if d.Dialer != nil {
		cursors := listener.NewCursorStore(d.Store)
		for _, ch := range cfg.Chains {
			ls = append(ls, listener.New(listener.Config{
				Chain:      ch.Selector,
				Name:       ch.Name,
				URL:        ch.RPCURL,
				Vault:      ch.VaultAddress(),
				StartBlock: ch.StartBlock,
				BatchSize:  cfg.Listener.BatchSize,
			}, d.Dialer, a, cursors, a.retryPolicy(), d.Log.Named("listener"), d.Clock, d.Metrics))
		}
	}
	a.Listeners = listener.NewSupervisor(d.Log.Named("listener"), ls...)
	return a, nil
}

func (a *App) retryPolicy() backoff.BackOff {
	interval := a.cfg.Listener.RetryInterval
	if interval <= 0 {
		interval = listener.DefaultRetryInterval
	}
	return backoff.NewConstantBackOff(interval)
}

func registerMarkets(r *market.Registry, cfg params.Config) error {
	for _, ch := range cfg.Chains {
		if ch.QuoteToken == "" {
			continue
		}
		ref := market.TokenRef{Address: ch.QuoteAddress(), Chain: ch.Selector}
		if err := r.RegisterToken(market.Token{TokenRef: ref, Symbol: ch.QuoteSymbol, Decimals: ch.QuoteDecimals}); err != nil {
			return err
		}
	}
	for _, p := range cfg.Pairs {
		base := market.TokenRef{Address: common.HexToAddress(p.BaseToken), Chain: p.BaseChain}
		quote := market.TokenRef{Address: common.HexToAddress(p.QuoteToken), Chain: p.QuoteChain}
		if err := r.RegisterToken(market.Token{TokenRef: base, Symbol: p.BaseSymbol, Decimals: p.BaseDecimals}); err != nil {
			return err
		}
		if err := r.RegisterToken(market.Token{TokenRef: quote, Symbol: p.QuoteSymbol, Decimals: p.QuoteDecimals}); err != nil {
			return err
		}
		pair := market.Pair{ID: p.ID, Base: base, Quote: quote, AllowResting: p.AllowResting, Status: market.Active}
		if err := r.RegisterPair(pair); err != nil {
			return fmt.Errorf("register pair %s: %w", p.ID, err)
		}
	}
	return nil
}

// Run restores state left by a previous process and then drives the
// settlement workers, the listeners and the expiry sweep until ctx ends.
func (a *App) Run(ctx context.Context) error {
	restored, err := a.Engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore order books: %w", err)
	}
	resumed, err := a.Orchestrator.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume settlements: %w", err)
	}
	a.log.Infow("node_recovered", "orders", restored, "jobs", resumed, "pairs", len(a.Registry.Pairs()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Orchestrator.Run(ctx) })
	g.Go(func() error { return a.Listeners.Run(ctx) })
	g.Go(func() error { return a.expireLoop(ctx) })
	return g.Wait()
}

func (a *App) expireLoop(ctx context.Context) error {
	interval := a.cfg.Node.ExpiryInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(interval):
		}
		n, err := a.Engine.ExpireOrders(ctx, a.clock.Now())
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, matching.ErrClosed) {
				return nil
			}
			a.log.Warnw("order_expiry_failed", "err", err)
			continue
		}
		if n > 0 {
			a.log.Infow("orders_expired", "count", n)
		}
	}
}

func (a *App) Close() { a.Engine.Close() }

// Metrics returns the registry every component reports to.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Config() params.Config { return a.cfg }
