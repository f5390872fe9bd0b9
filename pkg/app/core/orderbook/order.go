package orderbook

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Status is the lifecycle of an order. Values are ordered: an order only
// moves forward, except that a failed settlement may return a resting
// PARTIALLY_FILLED order to OPEN.
type Status int8

const (
	Pending Status = iota
	Open
	PartiallyFilled
	Matched // fully filled, settlement in flight
	Settled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Open:
		return "OPEN"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Matched:
		return "MATCHED"
	case Settled:
		return "SETTLED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for st := Pending; st <= Cancelled; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown order status %q", b)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == Settled || s == Cancelled }

// Order is both the matchable book entry and the audit record.
type Order struct {
	ID             string         `json:"id"`
	PairID         string         `json:"pairId"`
	Side           Side           `json:"side"`
	Amount         *big.Int       `json:"amount"`    // base smallest units
	Price          int64          `json:"price"`     // quote smallest units per base smallest unit
	Remaining      *big.Int       `json:"remaining"` // unfilled base amount
	Settled        *big.Int       `json:"settled"`   // filled amount whose settlement completed
	Failed         *big.Int       `json:"failed"`    // filled amount whose settlement failed and was refunded
	StealthAddress common.Address `json:"stealthAddress"`
	UserAddress    common.Address `json:"userAddress"`
	Seq            uint64         `json:"seq"` // admission sequence, FIFO tie-break
	Status         Status         `json:"status"`
	Fallback       bool           `json:"fallback"` // a fill settled via the fallback path
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"` // nil: good till cancelled
}

// Filled returns Amount - Remaining.
func (o *Order) Filled() *big.Int {
	return new(big.Int).Sub(o.Amount, o.Remaining)
}

// SetStatus moves the order forward. Leaving SETTLED or CANCELLED is an error.
func (o *Order) SetStatus(to Status) error {
	if o.Status.Terminal() && o.Status != to {
		return fmt.Errorf("order %s: cannot move from %s to %s", o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

// Unresolved returns the filled quantity whose settlement has neither
// completed nor failed yet.
func (o *Order) Unresolved() *big.Int {
	out := o.Filled()
	if o.Settled != nil {
		out.Sub(out, o.Settled)
	}
	if o.Failed != nil {
		out.Sub(out, o.Failed)
	}
	return out
}

// Expired reports whether a resting order outlived its ExpiresAt.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Clone returns a deep copy for read-only projections.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Amount = new(big.Int).Set(o.Amount)
	cp.Remaining = new(big.Int).Set(o.Remaining)
	if o.Settled != nil {
		cp.Settled = new(big.Int).Set(o.Settled)
	}
	if o.Failed != nil {
		cp.Failed = new(big.Int).Set(o.Failed)
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
