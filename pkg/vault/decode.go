package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/veilx/pkg/errs"
)

// ErrUnknownEvent is returned for logs whose topic0 is not a vault event.
var ErrUnknownEvent = errors.New("unknown vault event")

// Decode turns a raw vault log into its typed event. Malformed logs fail
// with errs.ErrValidation since re-reading them cannot help.
func Decode(chain uint64, lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, err := ABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}

	fields := make(map[string]any, len(ev.Inputs))
	if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
		return nil, errs.Validation("%s data: %v", ev.Name, err)
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, errs.Validation("%s topics: %v", ev.Name, err)
	}

	meta := Meta{
		ID:       EventID(chain, lg.TxHash, lg.Index),
		Chain:    chain,
		Block:    lg.BlockNumber,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
	}
	f := fieldReader{event: ev.Name, fields: fields}

	var out Event
	switch ev.Name {
	case EventFunded:
		out = Funded{Meta: meta, Token: f.address("token"), User: f.address("user"), Amount: f.uint("amount")}
	case EventWithdrawalRequested:
		out = WithdrawalRequested{
			Meta:         meta,
			User:         f.address("user"),
			Amount:       f.uint("amount"),
			WithdrawalID: f.hash("withdrawalId"),
			Timestamp:    f.uint("timestamp"),
		}
	case EventSettled:
		out = Settled{
			Meta:          meta,
			OrderID:       f.hash("orderId"),
			StealthBuyer:  f.address("stealthBuyer"),
			StealthSeller: f.address("stealthSeller"),
		}
	case EventCrossChainSettled:
		out = CrossChainSettled{
			Meta:              meta,
			OrderID:           f.hash("orderId"),
			DestChainSelector: f.uint64("destChainSelector"),
			BridgeMessageID:   f.hash("bridgeMessageId"),
		}
	case EventTokenReleased:
		out = TokenReleased{
			Meta:      meta,
			OrderID:   f.hash("orderId"),
			Recipient: f.address("recipient"),
			Token:     f.address("token"),
			Amount:    f.uint("amount"),
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// fieldReader pulls typed values out of an unpacked map, keeping the first
// type error.
type fieldReader struct {
	event  string
	fields map[string]any
	err    error
}

func (r *fieldReader) fail(name, want string) {
	if r.err == nil {
		r.err = errs.Validation("%s.%s: want %s, got %T", r.event, name, want, r.fields[name])
	}
}

func (r *fieldReader) address(name string) common.Address {
	v, ok := r.fields[name].(common.Address)
	if !ok {
		r.fail(name, "address")
	}
	return v
}

func (r *fieldReader) uint(name string) *big.Int {
	v, ok := r.fields[name].(*big.Int)
	if !ok {
		r.fail(name, "uint256")
		return new(big.Int)
	}
	return v
}

func (r *fieldReader) uint64(name string) uint64 {
	v, ok := r.fields[name].(uint64)
	if !ok {
		r.fail(name, "uint64")
	}
	return v
}

func (r *fieldReader) hash(name string) common.Hash {
	v, ok := r.fields[name].([32]byte)
	if !ok {
		r.fail(name, "bytes32")
	}
	return common.Hash(v)
}
