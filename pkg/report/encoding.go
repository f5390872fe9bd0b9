package report

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	tUint8   = mustType("uint8")
	tUint64  = mustType("uint64")
	tUint256 = mustType("uint256")
	tAddress = mustType("address")
	tBytes32 = mustType("bytes32")

	// Field order is fixed by the vault's report decoder.
	layouts = map[Kind]abi.Arguments{
		KindVerify: {{Type: tUint8}, {Type: tAddress}},
		KindSettle: {
			{Type: tUint8}, {Type: tBytes32},
			{Type: tAddress}, {Type: tAddress},
			{Type: tAddress}, {Type: tAddress},
			{Type: tUint256}, {Type: tUint256},
		},
		KindWithdraw: {{Type: tUint8}, {Type: tAddress}, {Type: tBytes32}},
		KindCrossChainSettle: {
			{Type: tUint8}, {Type: tBytes32}, {Type: tUint64},
			{Type: tAddress}, {Type: tAddress}, {Type: tAddress},
			{Type: tUint256},
		},
	}
)

// EncodeVerify packs verify(user).
func EncodeVerify(in VerifyInstruction) ([]byte, error) {
	return layouts[KindVerify].Pack(uint8(KindVerify), in.User)
}

// EncodeSettle packs settle(orderId, stealthBuyer, stealthSeller, tokenA,
// tokenB, amountA, amountB), or crossChainSettle(orderId,
// destChainSelector, destReceiver, recipient, token, amount) when the
// instruction bridges.
func EncodeSettle(in SettleInstruction) ([]byte, error) {
	if b := in.Bridge; b != nil {
		if b.Amount == nil {
			return nil, errors.New("bridge amount is required")
		}
		return layouts[KindCrossChainSettle].Pack(uint8(KindCrossChainSettle),
			[32]byte(in.OrderID), b.DestChainSelector, b.DestReceiver, b.Recipient, b.Token, b.Amount)
	}
	if in.AmountA == nil || in.AmountB == nil {
		return nil, errors.New("settle amounts are required")
	}
	return layouts[KindSettle].Pack(uint8(KindSettle),
		[32]byte(in.OrderID), in.StealthBuyer, in.StealthSeller, in.TokenA, in.TokenB, in.AmountA, in.AmountB)
}

// EncodeWithdraw packs withdraw(user, withdrawalId).
func EncodeWithdraw(in WithdrawInstruction) ([]byte, error) {
	return layouts[KindWithdraw].Pack(uint8(KindWithdraw), in.User, [32]byte(in.WithdrawalID))
}

// Decode reads the type tag and unpacks the remaining fields in order.
func Decode(data []byte) (Kind, []any, error) {
	if len(data) < 32 {
		return 0, nil, fmt.Errorf("report too short: %d bytes", len(data))
	}
	kind := Kind(data[31])
	args, ok := layouts[kind]
	if !ok {
		return 0, nil, fmt.Errorf("unknown report kind %d", data[31])
	}
	values, err := args.Unpack(data)
	if err != nil {
		return 0, nil, fmt.Errorf("unpack %s report: %w", kind, err)
	}
	return kind, values[1:], nil
}
