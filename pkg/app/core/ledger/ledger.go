// Package ledger keeps per (user, token, chain) balances. Every mutation is an
// idempotent delta keyed by its causal event id, so at-least-once chain event
// delivery and retried settlements never double-apply.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/storage"
)

var errHoldClosed = errors.New("hold is closed")

// Ledger serializes writers per Key. Mutations on different keys run
// concurrently; there is no global write lock.
//
// Cached rows are copy-on-write: a writer builds a new *TokenBalance under the
// key lock and swaps it in after the Pebble batch commits, so readers never
// observe a half-applied delta.
type Ledger struct {
	store *storage.PebbleStore
	log   *zap.SugaredLogger

	mu       sync.Mutex
	keyLocks map[Key]*sync.Mutex
	balances map[Key]*TokenBalance
	holds    map[string]*Hold
}

func New(store *storage.PebbleStore, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		store:    store,
		log:      log,
		keyLocks: make(map[Key]*sync.Mutex),
		balances: make(map[Key]*TokenBalance),
		holds:    make(map[string]*Hold),
	}
}

func (l *Ledger) lockKey(k Key) func() {
	l.mu.Lock()
	m, ok := l.keyLocks[k]
	if !ok {
		m = &sync.Mutex{}
		l.keyLocks[k] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Credit adds amount to the row. Returns false if eventID was already applied.
func (l *Ledger) Credit(ctx context.Context, k Key, amount *big.Int, eventID string) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	applied, err := l.mutate(ctx, k, eventID, func(bal *TokenBalance, _ *Hold) (*Hold, error) {
		bal.Balance.Add(bal.Balance, amount)
		return nil, nil
	}, "")
	if applied {
		l.log.Debugw("ledger_credit", "key", k.String(), "amount", amount.String(), "event_id", eventID)
	}
	return applied, err
}

// Debit removes amount from the unreserved balance. Fails with
// ErrInsufficientFunds (and leaves the row untouched) if available < amount.
func (l *Ledger) Debit(ctx context.Context, k Key, amount *big.Int, eventID string) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	applied, err := l.mutate(ctx, k, eventID, func(bal *TokenBalance, _ *Hold) (*Hold, error) {
		if avail := bal.Available(); avail.Cmp(amount) < 0 {
			return nil, errs.InsufficientFunds("%s: have %s, need %s", k, avail, amount)
		}
		bal.Balance.Sub(bal.Balance, amount)
		return nil, nil
	}, "")
	if applied {
		l.log.Debugw("ledger_debit", "key", k.String(), "amount", amount.String(), "event_id", eventID)
	}
	return applied, err
}

// Reserve places a hold of amount under holdID. Fails with
// ErrInsufficientBalance if the available balance cannot cover it.
// Reserving an existing holdID is a no-op.
func (l *Ledger) Reserve(ctx context.Context, k Key, holdID string, amount *big.Int) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	if existing, err := l.Hold(holdID); err != nil {
		return false, err
	} else if existing != nil {
		return false, nil
	}
	return l.mutate(ctx, k, "reserve:"+holdID, func(bal *TokenBalance, _ *Hold) (*Hold, error) {
		if avail := bal.Available(); avail.Cmp(amount) < 0 {
			return nil, errs.InsufficientBalance("%s: available %s, order needs %s", k, avail, amount)
		}
		bal.Reserved.Add(bal.Reserved, amount)
		return &Hold{ID: holdID, Key: k, Amount: new(big.Int).Set(amount)}, nil
	}, "")
}

// Release returns amount of a hold to the available balance.
func (l *Ledger) Release(ctx context.Context, holdID string, amount *big.Int, eventID string) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	return l.adjustHold(ctx, holdID, eventID, func(bal *TokenBalance, h *Hold) error {
		if h.Amount.Cmp(amount) < 0 {
			return fmt.Errorf("release %s exceeds hold %s amount %s", amount, holdID, h.Amount)
		}
		h.Amount.Sub(h.Amount, amount)
		bal.Reserved.Sub(bal.Reserved, amount)
		return nil
	})
}

// ReleaseAll returns whatever is left of a hold and closes it. Releasing an
// already closed hold returns zero.
func (l *Ledger) ReleaseAll(ctx context.Context, holdID, eventID string) (*big.Int, error) {
	released := new(big.Int)
	_, err := l.adjustHold(ctx, holdID, eventID, func(bal *TokenBalance, h *Hold) error {
		released.Set(h.Amount)
		bal.Reserved.Sub(bal.Reserved, h.Amount)
		h.Amount.SetInt64(0)
		return nil
	})
	if errors.Is(err, errHoldClosed) {
		return released, nil
	}
	return released, err
}

// Consume debits amount out of a hold: both Reserved and Balance shrink.
// This is the settlement debit of an order's filled quantity.
func (l *Ledger) Consume(ctx context.Context, holdID string, amount *big.Int, eventID string) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	return l.adjustHold(ctx, holdID, eventID, func(bal *TokenBalance, h *Hold) error {
		if h.Amount.Cmp(amount) < 0 {
			return errs.InsufficientFunds("consume %s exceeds hold %s amount %s", amount, holdID, h.Amount)
		}
		h.Amount.Sub(h.Amount, amount)
		bal.Reserved.Sub(bal.Reserved, amount)
		bal.Balance.Sub(bal.Balance, amount)
		return nil
	})
}

func (l *Ledger) adjustHold(ctx context.Context, holdID, eventID string, fn func(*TokenBalance, *Hold) error) (bool, error) {
	h, err := l.Hold(holdID)
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, errs.NotFound("hold", holdID)
	}
	return l.mutate(ctx, h.Key, eventID, func(bal *TokenBalance, cur *Hold) (*Hold, error) {
		if cur.Closed {
			return nil, fmt.Errorf("%w: %s", errHoldClosed, holdID)
		}
		next := cur.clone()
		if err := fn(bal, next); err != nil {
			return nil, err
		}
		if next.Amount.Sign() == 0 {
			next.Closed = true
		}
		return next, nil
	}, holdID)
}

// mutate is the only write path. Under the key lock it checks the applied
// marker, applies fn to a copy of the row and commits row, hold and marker in
// one batch.
func (l *Ledger) mutate(ctx context.Context, k Key, eventID string, fn func(*TokenBalance, *Hold) (*Hold, error), holdID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if eventID == "" {
		return false, errs.Validation("ledger mutation on %s without event id", k)
	}

	unlock := l.lockKey(k)
	defer unlock()

	marker := storage.AppliedEventKey(k.User, k.Token, k.Chain, eventID)
	done, err := l.store.Has(marker)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	cur, err := l.load(k)
	if err != nil {
		return false, err
	}
	var curHold *Hold
	if holdID != "" {
		// Re-read under the key lock: another writer may have changed it
		// between the caller's lookup and now.
		if curHold, err = l.Hold(holdID); err != nil {
			return false, err
		}
	}

	next := cur.clone()
	hold, err := fn(next, curHold)
	if err != nil {
		return false, err
	}
	if err := next.Validate(); err != nil {
		return false, fmt.Errorf("ledger invariant violated: %w", err)
	}

	batch := l.store.NewBatch()
	defer batch.Close()
	if err := batch.Put(storage.BalanceKey(k.User, k.Token, k.Chain), next); err != nil {
		return false, err
	}
	if hold != nil {
		if err := batch.Put(storage.HoldKey(hold.ID), hold); err != nil {
			return false, err
		}
	}
	if err := batch.Mark(marker); err != nil {
		return false, err
	}
	if err := batch.Commit(); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.balances[k] = next
	if hold != nil {
		l.holds[hold.ID] = hold
	}
	l.mu.Unlock()
	return true, nil
}

func (l *Ledger) load(k Key) (*TokenBalance, error) {
	l.mu.Lock()
	bal, ok := l.balances[k]
	l.mu.Unlock()
	if ok {
		return bal, nil
	}

	var stored TokenBalance
	found, err := l.store.Get(storage.BalanceKey(k.User, k.Token, k.Chain), &stored)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance %s: %w", k, err)
	}
	if !found {
		return newTokenBalance(k), nil
	}
	return &stored, nil
}

// Balance returns a copy of the row for k (zero row if never credited).
func (l *Ledger) Balance(k Key) (*TokenBalance, error) {
	bal, err := l.load(k)
	if err != nil {
		return nil, err
	}
	return bal.clone(), nil
}

// Balances lists every row of a user, ordered by token then chain.
func (l *Ledger) Balances(user common.Address) ([]*TokenBalance, error) {
	var out []*TokenBalance
	err := storage.ScanInto(l.store, storage.BalancePrefix(user), func(b *TokenBalance) error {
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token.Hex() < out[j].Token.Hex()
		}
		return out[i].Chain < out[j].Chain
	})
	return out, nil
}

// Hold returns a copy of the hold, or nil if it does not exist.
func (l *Ledger) Hold(holdID string) (*Hold, error) {
	l.mu.Lock()
	h, ok := l.holds[holdID]
	l.mu.Unlock()
	if ok {
		return h.clone(), nil
	}

	var stored Hold
	found, err := l.store.Get(storage.HoldKey(holdID), &stored)
	if err != nil {
		return nil, fmt.Errorf("failed to load hold %s: %w", holdID, err)
	}
	if !found {
		return nil, nil
	}
	return &stored, nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.Validation("amount must be positive, got %v", amount)
	}
	return nil
}
