// Package listener follows one vault contract per chain and feeds its
// events, in chain order, to a Handler.
//
// Delivery is at-least-once: a session replays everything after the durable
// cursor, and a log is only marked done once the handler accepted it. The
// handler's own idempotency (event ids) turns that into exactly-once effects.
package listener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/util"
	"github.com/uhyunpark/veilx/pkg/vault"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Subscribed:
		return "SUBSCRIBED"
	default:
		return "DISCONNECTED"
	}
}

// Handler applies one decoded event. Errors matching errs.IsPermanent skip
// the event; any other error ends the session and the event is retried.
type Handler interface {
	Apply(ctx context.Context, ev vault.Event) error
}

type HandlerFunc func(ctx context.Context, ev vault.Event) error

func (f HandlerFunc) Apply(ctx context.Context, ev vault.Event) error { return f(ctx, ev) }

const (
	DefaultRetryInterval = 5 * time.Second
	defaultBatchSize     = 2000
	logBuffer            = 256
)

type Config struct {
	Chain      uint64
	Name       string
	URL        string
	Vault      common.Address
	StartBlock uint64 // first block scanned when no cursor is stored
	BatchSize  uint64 // blocks per FilterLogs call during backfill
}

// Status is a point-in-time view of a listener.
type Status struct {
	Chain       uint64    `json:"chain"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	Reconnects  uint64    `json:"reconnects"`
	LastError   string    `json:"lastError,omitempty"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
}

type Listener struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	cursors *CursorStore
	backoff backoff.BackOff
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	label   string

	state atomic.Int32

	mu         sync.Mutex
	cursor     Cursor
	hasCursor  bool
	reconnects uint64
	lastErr    string
	lastEvent  time.Time
}

// New builds a listener. A nil bo retries every DefaultRetryInterval
// forever.
func New(cfg Config, d Dialer, h Handler, cursors *CursorStore, bo backoff.BackOff,
	log *zap.SugaredLogger, clock util.Clock, m *metrics.Metrics) *Listener {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if bo == nil {
		bo = backoff.NewConstantBackOff(DefaultRetryInterval)
	}
	if cfg.Name == "" {
		cfg.Name = strconv.FormatUint(cfg.Chain, 10)
	}
	return &Listener{
		cfg:     cfg,
		dialer:  d,
		handler: h,
		cursors: cursors,
		backoff: bo,
		clock:   clock,
		log:     log.With("chain", cfg.Name),
		metrics: m,
		label:   strconv.FormatUint(cfg.Chain, 10),
	}
}

func (l *Listener) Chain() uint64 { return l.cfg.Chain }

// Run keeps a session open until ctx is cancelled, restarting it after
// every failure according to the backoff policy.
func (l *Listener) Run(ctx context.Context) error {
	c, found, err := l.cursors.Load(l.cfg.Chain)
	if err != nil {
		return fmt.Errorf("load cursor for chain %d: %w", l.cfg.Chain, err)
	}
	l.mu.Lock()
	l.cursor, l.hasCursor = c, found
	l.mu.Unlock()

	for {
		err := l.session(ctx)
		l.setState(Disconnected)
		if ctx.Err() != nil {
			l.log.Infow("listener_stopped")
			return nil
		}

		wait := l.backoff.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("listener %s gave up: %w", l.cfg.Name, err)
		}
		l.mu.Lock()
		l.reconnects++
		if err != nil {
			l.lastErr = err.Error()
		}
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.ListenerReconnects.WithLabelValues(l.label).Inc()
		}
		l.log.Warnw("listener_reconnecting", "err", err, "wait", wait)

		select {
		case <-ctx.Done():
			l.log.Infow("listener_stopped")
			return nil
		case <-l.clock.After(wait):
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	l.setState(Connecting)
	src, err := l.dialer.Dial(ctx, l.cfg.URL)
	if err != nil {
		return err
	}
	defer src.Close()

	// Subscribe before backfilling so nothing falls between the two; the
	// cursor drops the overlap.
	logs := make(chan types.Log, logBuffer)
	sub, err := src.SubscribeFilterLogs(ctx, l.query(), logs)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	l.setState(Subscribed)
	l.backoff.Reset()
	l.log.Infow("listener_subscribed", "vault", l.cfg.Vault.Hex())

	if err := l.backfill(ctx, src); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("subscription: %w", err)
		case lg := <-logs:
			if err := l.handle(ctx, lg); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) backfill(ctx context.Context, src LogSource) error {
	head, err := src.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}

	l.mu.Lock()
	from := l.cfg.StartBlock
	if l.hasCursor {
		// The cursor block may still hold later logs.
		from = l.cursor.Block
	}
	l.mu.Unlock()

	replayed := 0
	for from <= head {
		to := from + l.cfg.BatchSize - 1
		if to > head {
			to = head
		}
		q := l.query()
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)
		batch, err := src.FilterLogs(ctx, q)
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
		}
		for _, lg := range batch {
			if err := l.handle(ctx, lg); err != nil {
				return err
			}
		}
		replayed += len(batch)
		from = to + 1
	}
	l.log.Infow("listener_backfilled", "head", head, "logs", replayed)
	return nil
}

func (l *Listener) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{l.cfg.Vault},
		Topics:    [][]common.Hash{vault.Topics()},
	}
}

// handle applies one log. A nil return means the cursor moved past it.
func (l *Listener) handle(ctx context.Context, lg types.Log) error {
	if lg.Removed {
		l.log.Warnw("listener_log_removed", "block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "index", lg.Index)
		return nil
	}
	if l.covered(lg) || lg.Address != l.cfg.Vault {
		return nil
	}

	ev, err := vault.Decode(l.cfg.Chain, lg)
	if err != nil {
		if errors.Is(err, vault.ErrUnknownEvent) {
			l.log.Debugw("listener_log_ignored", "tx", lg.TxHash.Hex(), "index", lg.Index)
		} else {
			l.log.Errorw("listener_log_undecodable", "tx", lg.TxHash.Hex(), "index", lg.Index, "err", err)
			l.count("undecodable", "rejected")
		}
		return l.advance(lg)
	}

	if err := l.handler.Apply(ctx, ev); err != nil {
		if errs.IsPermanent(err) {
			l.log.Errorw("listener_event_rejected", "event", ev.Name(), "event_id", ev.EventMeta().ID, "err", err)
			l.count(ev.Name(), "rejected")
			return l.advance(lg)
		}
		l.count(ev.Name(), "error")
		l.log.Warnw("listener_event_failed", "event", ev.Name(), "event_id", ev.EventMeta().ID, "err", err)
		return errs.EventApplication(ev.Name(), err)
	}
	l.count(ev.Name(), "applied")
	return l.advance(lg)
}

func (l *Listener) covered(lg types.Log) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasCursor && l.cursor.covers(lg)
}

func (l *Listener) advance(lg types.Log) error {
	c := Cursor{Block: lg.BlockNumber, LogIndex: lg.Index}
	if err := l.cursors.Save(l.cfg.Chain, c); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	l.mu.Lock()
	l.cursor, l.hasCursor = c, true
	l.lastEvent = l.clock.Now().UTC()
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.ListenerHead.WithLabelValues(l.label).Set(float64(lg.BlockNumber))
	}
	return nil
}

func (l *Listener) count(kind, result string) {
	if l.metrics != nil {
		l.metrics.ListenerEvents.WithLabelValues(l.label, kind, result).Inc()
	}
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	if l.metrics != nil {
		l.metrics.ListenerState.WithLabelValues(l.label).Set(float64(s))
	}
}

func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		Chain:       l.cfg.Chain,
		Name:        l.cfg.Name,
		State:       l.State().String(),
		Reconnects:  l.reconnects,
		LastError:   l.lastErr,
		LastEventAt: l.lastEvent,
	}
	if l.hasCursor {
		c := l.cursor
		st.Cursor = &c
	}
	return st
}
