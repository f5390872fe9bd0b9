// Package settlement turns fills into on-chain settlement reports, tracks
// each settlement until the vault confirms it, and runs user withdrawals.
//
// Records live in Pebble and are never deleted. The orchestrator mutex only
// guards load-modify-store of those records; engine feedback, ledger refunds
// and report submission always run after it is released, because OnMatch is
// called from inside a pair actor.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/veilx/pkg/app/core/ledger"
	"github.com/uhyunpark/veilx/pkg/app/core/matching"
	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/events"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/report"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/util"
)

// Ledger is the part of the balance ledger settlement moves money through.
type Ledger interface {
	Credit(ctx context.Context, k ledger.Key, amount *big.Int, eventID string) (bool, error)
	Debit(ctx context.Context, k ledger.Key, amount *big.Int, eventID string) (bool, error)
	Consume(ctx context.Context, holdID string, amount *big.Int, eventID string) (bool, error)
}

// Engine receives the outcome of each settlement for the two orders involved.
type Engine interface {
	MarkSettled(ctx context.Context, pairID, orderID string, amount *big.Int) error
	Rollback(ctx context.Context, pairID, orderID string, amount *big.Int) error
	FlagFallback(ctx context.Context, pairID, orderID string) error
}

type Config struct {
	Workers int
	// HomeChain receives verify reports.
	HomeChain uint64
	// Vaults maps a chain selector to its vault, the bridge receiver for
	// cross-chain settlements.
	Vaults map[uint64]common.Address
	// WithdrawTokens is the token withdrawn on a chain when a request does
	// not name one.
	WithdrawTokens map[uint64]common.Address
}

const defaultWorkers = 4

type Orchestrator struct {
	cfg       Config
	store     *storage.PebbleStore
	ledger    Ledger
	engine    Engine
	submitter report.Submitter
	publisher events.Publisher
	log       *zap.SugaredLogger
	clock     util.Clock
	metrics   *metrics.Metrics

	mu       sync.Mutex
	jobs     *queue
	inflight map[common.Hash]struct{} // withdrawals whose report is being submitted
}

func New(cfg Config, store *storage.PebbleStore, l Ledger, engine Engine, sub report.Submitter,
	pub events.Publisher, log *zap.SugaredLogger, clock util.Clock, m *metrics.Metrics) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		ledger:    l,
		engine:    engine,
		submitter: sub,
		publisher: pub,
		log:       log,
		clock:     clock,
		metrics:   m,
		jobs:      newQueue(),
		inflight:  make(map[common.Hash]struct{}),
	}
}

// Run starts the submission workers and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				j, ok := o.jobs.pop(ctx)
				if !ok {
					return nil
				}
				o.process(ctx, j)
			}
		})
	}
	o.log.Infow("settlement_workers_started", "workers", o.cfg.Workers)
	return g.Wait()
}

func (o *Orchestrator) process(ctx context.Context, j job) {
	switch j.kind {
	case jobSettle:
		o.submitSettlement(ctx, j.id)
	case jobWithdraw:
		o.submitWithdrawal(ctx, j.id)
	case jobFinalize:
		s, err := o.Settlement(j.id)
		if err != nil {
			o.log.Errorw("settlement_load_failed", "settlement_id", j.id.Hex(), "err", err)
			return
		}
		if !s.Finalized {
			o.afterTerminal(ctx, s)
		}
	}
}

// OnMatch records a PENDING settlement for the fill and consumes both
// orders' reservations. A fill seen before is ignored.
func (o *Orchestrator) OnMatch(ctx context.Context, m matching.MatchResult) error {
	id := ID(m.BuyOrderID, m.SellOrderID, m.StealthBuyer, m.StealthSeller)
	now := o.clock.Now().UTC()

	o.mu.Lock()
	var existing Settlement
	found, err := o.store.Get(storage.SettlementKey(id.Hex()), &existing)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if found {
		o.mu.Unlock()
		o.log.Debugw("settlement_duplicate_match", "settlement_id", id.Hex())
		return nil
	}

	s := &Settlement{
		ID:            id,
		PairID:        m.PairID,
		BuyOrderID:    m.BuyOrderID,
		SellOrderID:   m.SellOrderID,
		StealthBuyer:  m.StealthBuyer,
		StealthSeller: m.StealthSeller,
		Base:          m.Base,
		Quote:         m.Quote,
		Amount:        new(big.Int).Set(m.Amount),
		Price:         m.Price,
		QuoteAmount:   new(big.Int).Set(m.QuoteAmount),
		ChainSelector: m.Base.Chain,
		Status:        Pending,
		Legs: []Leg{
			{
				Side:    "buy",
				OrderID: m.BuyOrderID,
				Key:     ledger.Key{User: m.Buyer, Token: m.Quote.Address, Chain: m.Quote.Chain},
				Amount:  new(big.Int).Set(m.QuoteAmount),
			},
			{
				Side:    "sell",
				OrderID: m.SellOrderID,
				Key:     ledger.Key{User: m.Seller, Token: m.Base.Address, Chain: m.Base.Chain},
				Amount:  new(big.Int).Set(m.Amount),
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.Base.Chain != m.Quote.Chain {
		s.DestChainSelector = m.Quote.Chain
	}
	err = o.store.Put(storage.SettlementKey(id.Hex()), s)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.count(s)

	o.log.Infow("settlement_created",
		"settlement_id", id.Hex(),
		"pair", m.PairID,
		"buy_order", m.BuyOrderID,
		"sell_order", m.SellOrderID,
		"amount", m.Amount.String(),
		"price", m.Price,
		"cross_chain", s.CrossChain(),
	)

	if err := o.consumeLegs(ctx, id); err != nil {
		// The record exists, so compensation is ours. Refunds and order
		// rollback need the pair actor, which is busy calling us. A worker
		// picks them up.
		o.log.Errorw("settlement_consume_failed", "settlement_id", id.Hex(), "err", err)
		if _, _, ferr := o.transition(ctx, id, Failed, func(s *Settlement) error {
			s.Reason = err.Error()
			return nil
		}); ferr != nil {
			o.log.Errorw("settlement_update_failed", "settlement_id", id.Hex(), "err", ferr)
		}
		o.jobs.push(job{kind: jobFinalize, id: id})
		return nil
	}
	o.jobs.push(job{kind: jobSettle, id: id})
	return nil
}

// consumeLegs moves each leg out of its order's hold. Safe to repeat.
func (o *Orchestrator) consumeLegs(ctx context.Context, id common.Hash) error {
	s, err := o.Settlement(id)
	if err != nil {
		return err
	}
	for i, leg := range s.Legs {
		if leg.Consumed {
			continue
		}
		if _, err := o.ledger.Consume(ctx, leg.OrderID, leg.Amount, id.Hex()+":"+leg.Side); err != nil {
			return fmt.Errorf("%s leg: %w", leg.Side, err)
		}
		if err := o.modify(id, func(s *Settlement) { s.Legs[i].Consumed = true }); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) instruction(s *Settlement) (report.SettleInstruction, error) {
	in := report.SettleInstruction{
		OrderID:       s.ID,
		Chain:         s.ChainSelector,
		StealthBuyer:  s.StealthBuyer,
		StealthSeller: s.StealthSeller,
		TokenA:        s.Base.Address,
		TokenB:        s.Quote.Address,
		AmountA:       s.Amount,
		AmountB:       s.QuoteAmount,
	}
	if !s.CrossChain() {
		return in, nil
	}
	receiver, ok := o.cfg.Vaults[s.DestChainSelector]
	if !ok {
		return in, errs.Validation("no vault configured for destination chain %d", s.DestChainSelector)
	}
	in.Bridge = &report.BridgeLeg{
		DestChainSelector: s.DestChainSelector,
		DestReceiver:      receiver,
		Recipient:         s.StealthBuyer,
		Token:             s.Base.Address,
		Amount:            s.Amount,
	}
	return in, nil
}

func (o *Orchestrator) submitSettlement(ctx context.Context, id common.Hash) {
	s, err := o.Settlement(id)
	if err != nil {
		o.log.Errorw("settlement_load_failed", "settlement_id", id.Hex(), "err", err)
		return
	}
	if s.Status != Pending {
		return
	}
	o.publish(ctx, s)

	in, err := o.instruction(s)
	if err == nil {
		var rcpt report.Receipt
		rcpt, err = o.submitter.SubmitSettle(ctx, in)
		if err == nil {
			o.onReceipt(ctx, id, rcpt)
			return
		}
	}
	if ctx.Err() != nil {
		// Shutting down; Resume picks the record up again.
		return
	}
	o.log.Errorw("settlement_submission_failed", "settlement_id", id.Hex(), "err", err)
	o.fail(ctx, id, err.Error())
}

func (o *Orchestrator) onReceipt(ctx context.Context, id common.Hash, rcpt report.Receipt) {
	// The receipt is recorded even when a confirmation already moved the
	// record past SUBMITTED.
	if err := o.modify(id, func(s *Settlement) {
		s.TxRef = rcpt.TxRef
		s.Path = rcpt.Path
		s.Fallback = rcpt.Path == report.Fallback
	}); err != nil {
		o.log.Errorw("settlement_update_failed", "settlement_id", id.Hex(), "err", err)
		return
	}
	if rcpt.Path == report.Fallback {
		if s, err := o.Settlement(id); err == nil {
			for _, orderID := range []string{s.BuyOrderID, s.SellOrderID} {
				if err := o.engine.FlagFallback(ctx, s.PairID, orderID); err != nil {
					o.log.Warnw("order_fallback_flag_failed", "order_id", orderID, "err", err)
				}
			}
		}
	}
	s, moved, err := o.transition(ctx, id, Submitted, func(*Settlement) error { return nil })
	if err != nil {
		o.log.Errorw("settlement_update_failed", "settlement_id", id.Hex(), "err", err)
		return
	}
	o.log.Infow("settlement_submitted",
		"settlement_id", id.Hex(),
		"tx", rcpt.TxRef,
		"path", rcpt.Path.String(),
		"status", s.Status.String(),
	)
	if moved {
		o.publish(ctx, s)
	}
}

func (o *Orchestrator) fail(ctx context.Context, id common.Hash, reason string) {
	s, moved, err := o.transition(ctx, id, Failed, func(s *Settlement) error {
		s.Reason = reason
		return nil
	})
	if err != nil {
		o.log.Errorw("settlement_update_failed", "settlement_id", id.Hex(), "err", err)
		return
	}
	if moved {
		o.afterTerminal(ctx, s)
	}
}

// transition moves a record to status to. Terminal records, repeats and
// backward moves are no-ops (moved=false), except that an on-chain success
// for a FAILED record is a reconciliation mismatch: the ledger already
// compensated both parties. check runs under the lock just before the move;
// a reconciliation error from it is recorded on the record and returned.
func (o *Orchestrator) transition(ctx context.Context, id common.Hash, to Status, check func(*Settlement) error) (*Settlement, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.load(id)
	if err != nil {
		return nil, false, err
	}
	if s.Status == Failed && (to == Bridging || to == Completed) {
		return o.mismatch(s, errs.ReconciliationMismatch("vault reports %s for settlement %s already FAILED", to, id.Hex()))
	}
	if s.Status.Terminal() || !canMove(s.Status, to) {
		return s, false, nil
	}
	if err := check(s); err != nil {
		if errors.Is(err, errs.ErrReconciliationMismatch) {
			return o.mismatch(s, err)
		}
		return s, false, err
	}
	from := s.Status
	s.Status = to
	s.UpdatedAt = o.clock.Now().UTC()
	if err := o.store.Put(storage.SettlementKey(id.Hex()), s); err != nil {
		return nil, false, err
	}
	o.count(s)
	o.log.Infow("settlement_transition",
		"settlement_id", id.Hex(),
		"from", from.String(),
		"to", to.String(),
	)
	return s, true, nil
}

// mismatch records err on s without changing its status. Callers hold o.mu.
func (o *Orchestrator) mismatch(s *Settlement, err error) (*Settlement, bool, error) {
	s.Mismatch = err.Error()
	s.UpdatedAt = o.clock.Now().UTC()
	if perr := o.store.Put(storage.SettlementKey(s.ID.Hex()), s); perr != nil {
		return nil, false, perr
	}
	return s, false, err
}

// modify applies fn to the stored record without a status change.
func (o *Orchestrator) modify(id common.Hash, fn func(*Settlement)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.load(id)
	if err != nil {
		return err
	}
	fn(s)
	s.UpdatedAt = o.clock.Now().UTC()
	return o.store.Put(storage.SettlementKey(id.Hex()), s)
}

func (o *Orchestrator) load(id common.Hash) (*Settlement, error) {
	var s Settlement
	found, err := o.store.Get(storage.SettlementKey(id.Hex()), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("settlement", id.Hex())
	}
	return &s, nil
}

// Settlement returns the stored record.
func (o *Orchestrator) Settlement(id common.Hash) (*Settlement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(id)
}

// Settlements lists every record touching the order, oldest first.
func (o *Orchestrator) Settlements(orderID string) ([]*Settlement, error) {
	var out []*Settlement
	err := storage.ScanInto(o.store, storage.SettlementPrefix(), func(s *Settlement) error {
		if s.BuyOrderID == orderID || s.SellOrderID == orderID {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(out)
	return out, nil
}

func (o *Orchestrator) afterTerminal(ctx context.Context, s *Settlement) {
	o.publish(ctx, s)
	o.finalize(ctx, s)
}

// finalize brings the orders and the ledger in line with a terminal
// settlement. Each step is recorded so a retry after a crash skips what
// already happened.
func (o *Orchestrator) finalize(ctx context.Context, s *Settlement) {
	if !s.Status.Terminal() || s.Finalized {
		return
	}
	done := make(map[string]bool, len(s.Applied))
	for _, step := range s.Applied {
		done[step] = true
	}
	run := func(step string, fn func() error) bool {
		if done[step] {
			return true
		}
		if err := fn(); err != nil {
			o.log.Errorw("settlement_finalize_failed", "settlement_id", s.ID.Hex(), "step", step, "err", err)
			return false
		}
		if err := o.modify(s.ID, func(rec *Settlement) { rec.Applied = append(rec.Applied, step) }); err != nil {
			o.log.Errorw("settlement_update_failed", "settlement_id", s.ID.Hex(), "err", err)
			return false
		}
		return true
	}

	ok := true
	switch s.Status {
	case Completed:
		for _, orderID := range []string{s.BuyOrderID, s.SellOrderID} {
			ok = run("settled:"+orderID, func() error {
				return o.engine.MarkSettled(ctx, s.PairID, orderID, s.Amount)
			}) && ok
		}
	case Failed:
		for _, leg := range s.Legs {
			if !leg.Consumed {
				continue
			}
			ok = run("refund:"+leg.Side, func() error {
				_, err := o.ledger.Credit(ctx, leg.Key, leg.Amount, s.ID.Hex()+":refund:"+leg.Side)
				return err
			}) && ok
		}
		for _, orderID := range []string{s.BuyOrderID, s.SellOrderID} {
			ok = run("rollback:"+orderID, func() error {
				return o.engine.Rollback(ctx, s.PairID, orderID, s.Amount)
			}) && ok
		}
	}
	if !ok {
		return
	}
	if err := o.modify(s.ID, func(rec *Settlement) { rec.Finalized = true }); err != nil {
		o.log.Errorw("settlement_update_failed", "settlement_id", s.ID.Hex(), "err", err)
	}
}

func (o *Orchestrator) count(s *Settlement) {
	if o.metrics != nil {
		o.metrics.SettlementsTotal.WithLabelValues(s.Status.String(), s.Path.String()).Inc()
	}
}

func (o *Orchestrator) publish(ctx context.Context, s *Settlement) {
	ev := events.NewEvent("settlement."+strings.ToLower(s.Status.String()), s.ID.Hex(), s)
	if err := o.publisher.Publish(ctx, events.TopicSettlements, ev); err != nil {
		o.log.Warnw("settlement_publish_failed", "settlement_id", s.ID.Hex(), "err", err)
	}
}

// VerifyUser submits a verify report for user on the home chain.
func (o *Orchestrator) VerifyUser(ctx context.Context, user common.Address) (report.Receipt, error) {
	if user == (common.Address{}) {
		return report.Receipt{}, errs.Validation("user address required")
	}
	if o.cfg.HomeChain == 0 {
		return report.Receipt{}, errs.Validation("home chain not configured")
	}
	rcpt, err := o.submitter.SubmitVerify(ctx, report.VerifyInstruction{Chain: o.cfg.HomeChain, User: user})
	if err != nil {
		o.log.Errorw("verify_submission_failed", "user", user.Hex(), "err", err)
		return report.Receipt{}, err
	}
	o.log.Infow("user_verified", "user", user.Hex(), "tx", rcpt.TxRef, "path", rcpt.Path.String())
	return rcpt, nil
}

// Pending returns the number of queued jobs.
func (o *Orchestrator) Pending() int { return o.jobs.len() }
