// sign-report builds a vault report the way the node does, signs it with an
// operator key and prints the onReport payload. Useful for checking a vault
// deployment by hand before pointing a node at it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/veilx/pkg/crypto"
	"github.com/uhyunpark/veilx/pkg/report"
	"github.com/uhyunpark/veilx/pkg/vault"
)

type output struct {
	Kind      string         `json:"kind"`
	Signer    common.Address `json:"signer"`
	Report    hexutil.Bytes  `json:"report"`
	Signature hexutil.Bytes  `json:"signature"`
	Calldata  hexutil.Bytes  `json:"calldata"`
	Fields    []any          `json:"fields"`
}

func main() {
	var (
		key     = flag.String("key", os.Getenv("VEILX_REPORT_OPERATOR_KEY"), "operator private key (hex); a fresh one is generated when empty")
		kind    = flag.String("kind", "settle", "report kind: settle, withdraw or verify")
		orderID = flag.String("order", "", "settlement id (bytes32 hex)")
		buyer   = flag.String("buyer", "", "stealth buyer address")
		seller  = flag.String("seller", "", "stealth seller address")
		tokenA  = flag.String("token-a", "", "base token address")
		tokenB  = flag.String("token-b", "", "quote token address")
		amountA = flag.String("amount-a", "0", "base amount in smallest units")
		amountB = flag.String("amount-b", "0", "quote amount in smallest units")
		user    = flag.String("user", "", "user address (withdraw, verify)")
		wid     = flag.String("withdrawal", "", "withdrawal id (bytes32 hex)")
	)
	flag.Parse()

	signer, err := loadSigner(*key)
	if err != nil {
		fail("key: %v", err)
	}

	var data []byte
	switch *kind {
	case "settle":
		data, err = report.EncodeSettle(report.SettleInstruction{
			OrderID:       common.HexToHash(*orderID),
			StealthBuyer:  mustAddress("buyer", *buyer),
			StealthSeller: mustAddress("seller", *seller),
			TokenA:        mustAddress("token-a", *tokenA),
			TokenB:        mustAddress("token-b", *tokenB),
			AmountA:       mustAmount("amount-a", *amountA),
			AmountB:       mustAmount("amount-b", *amountB),
		})
	case "withdraw":
		data, err = report.EncodeWithdraw(report.WithdrawInstruction{
			User:         mustAddress("user", *user),
			WithdrawalID: common.HexToHash(*wid),
		})
	case "verify":
		data, err = report.EncodeVerify(report.VerifyInstruction{User: mustAddress("user", *user)})
	default:
		fail("unknown kind %q", *kind)
	}
	if err != nil {
		fail("encode: %v", err)
	}

	sig, err := signer.SignReport(data)
	if err != nil {
		fail("sign: %v", err)
	}
	if !crypto.VerifyReport(signer.Address(), data, sig) {
		fail("signature does not recover to %s", signer.Address().Hex())
	}
	calldata, err := vault.ABI.Pack(vault.MethodOnReport, data, sig)
	if err != nil {
		fail("pack onReport: %v", err)
	}
	k, fields, err := report.Decode(data)
	if err != nil {
		fail("decode: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(output{
		Kind:      k.String(),
		Signer:    signer.Address(),
		Report:    data,
		Signature: sig,
		Calldata:  calldata,
		Fields:    fields,
	})
}

func loadSigner(hexKey string) (*crypto.Signer, error) {
	if hexKey != "" {
		return crypto.FromPrivateKeyHex(hexKey)
	}
	s, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "generated operator key for %s\n", s.Address().Hex())
	return s, nil
}

func mustAddress(name, s string) common.Address {
	a, err := crypto.ParseAddress(s)
	if err != nil {
		fail("%s: %v", name, err)
	}
	return a
}

func mustAmount(name, s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		fail("%s: invalid amount %q", name, s)
	}
	return v
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
