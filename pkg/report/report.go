// Package report is the boundary to the trusted execution path that turns
// verification, settlement and withdrawal instructions into signed reports
// on a vault. A Failover pairs the primary gateway with a local fallback
// and tags every receipt with the path that produced it.
package report

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the type tag leading every encoded report.
type Kind uint8

const (
	KindVerify           Kind = 0
	KindSettle           Kind = 1
	KindWithdraw         Kind = 2
	KindCrossChainSettle Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindVerify:
		return "verify"
	case KindSettle:
		return "settle"
	case KindWithdraw:
		return "withdraw"
	case KindCrossChainSettle:
		return "crossChainSettle"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Path records which submission route produced a receipt.
type Path uint8

const (
	Primary Path = iota
	Fallback
)

func (p Path) String() string {
	if p == Fallback {
		return "fallback"
	}
	return "primary"
}

func (p Path) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Path) UnmarshalText(b []byte) error {
	switch string(b) {
	case "primary", "":
		*p = Primary
	case "fallback":
		*p = Fallback
	default:
		return fmt.Errorf("unknown path %q", b)
	}
	return nil
}

// ErrRejected marks a report the execution path refused. Retrying it on the
// fallback would produce the same refusal.
var ErrRejected = errors.New("report rejected")

type Receipt struct {
	TxRef string `json:"txRef"`
	Path  Path   `json:"path"`
}

type VerifyInstruction struct {
	Chain uint64
	User  common.Address
}

// SettleInstruction pays TokenA/AmountA (base) to the stealth buyer and
// TokenB/AmountB (quote) to the stealth seller. With Bridge set, the report
// is a crossChainSettle on Chain and the base leg is released on the
// destination chain instead.
type SettleInstruction struct {
	OrderID       common.Hash
	Chain         uint64
	StealthBuyer  common.Address
	StealthSeller common.Address
	TokenA        common.Address
	TokenB        common.Address
	AmountA       *big.Int
	AmountB       *big.Int
	Bridge        *BridgeLeg
}

type BridgeLeg struct {
	DestChainSelector uint64
	DestReceiver      common.Address
	Recipient         common.Address
	Token             common.Address
	Amount            *big.Int
}

func (in SettleInstruction) Kind() Kind {
	if in.Bridge != nil {
		return KindCrossChainSettle
	}
	return KindSettle
}

type WithdrawInstruction struct {
	Chain        uint64
	User         common.Address
	WithdrawalID common.Hash
	Token        common.Address
	Amount       *big.Int
}

// Submitter is the report boundary used by the settlement orchestrator.
type Submitter interface {
	SubmitVerify(ctx context.Context, in VerifyInstruction) (Receipt, error)
	SubmitSettle(ctx context.Context, in SettleInstruction) (Receipt, error)
	SubmitWithdraw(ctx context.Context, in WithdrawInstruction) (Receipt, error)
}

// Envelope is an encoded report addressed to one chain's vault.
type Envelope struct {
	Kind   Kind
	Chain  uint64
	Report []byte
	Meta   map[string]string
}

// Transport delivers an envelope and returns the resulting tx reference.
type Transport interface {
	Send(ctx context.Context, env Envelope) (string, error)
}

// Reporter encodes instructions and hands them to a Transport.
type Reporter struct {
	transport Transport
	path      Path
}

func NewReporter(t Transport, path Path) *Reporter {
	return &Reporter{transport: t, path: path}
}

func (r *Reporter) send(ctx context.Context, env Envelope, err error) (Receipt, error) {
	if err != nil {
		return Receipt{}, fmt.Errorf("encode %s report: %w", env.Kind, err)
	}
	ref, err := r.transport.Send(ctx, env)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{TxRef: ref, Path: r.path}, nil
}

func (r *Reporter) SubmitVerify(ctx context.Context, in VerifyInstruction) (Receipt, error) {
	data, err := EncodeVerify(in)
	return r.send(ctx, Envelope{Kind: KindVerify, Chain: in.Chain, Report: data, Meta: map[string]string{
		"user": in.User.Hex(),
	}}, err)
}

func (r *Reporter) SubmitSettle(ctx context.Context, in SettleInstruction) (Receipt, error) {
	data, err := EncodeSettle(in)
	return r.send(ctx, Envelope{Kind: in.Kind(), Chain: in.Chain, Report: data, Meta: map[string]string{
		"orderId": in.OrderID.Hex(),
	}}, err)
}

func (r *Reporter) SubmitWithdraw(ctx context.Context, in WithdrawInstruction) (Receipt, error) {
	data, err := EncodeWithdraw(in)
	meta := map[string]string{
		"user":         in.User.Hex(),
		"withdrawalId": in.WithdrawalID.Hex(),
		"token":        in.Token.Hex(),
	}
	if in.Amount != nil {
		meta["amount"] = in.Amount.String()
	}
	return r.send(ctx, Envelope{Kind: KindWithdraw, Chain: in.Chain, Report: data, Meta: meta}, err)
}
