package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Key identifies one balance row: a user's holding of a token on one chain.
type Key struct {
	User  common.Address `json:"user"`
	Token common.Address `json:"token"`
	Chain uint64         `json:"chain"` // CCIP chain selector
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%d", k.User.Hex(), k.Token.Hex(), k.Chain)
}

// TokenBalance is the authoritative balance row for a Key.
// Amounts are in the token's smallest unit.
type TokenBalance struct {
	Key
	Balance  *big.Int `json:"balance"`  // total vault balance credited to the user
	Reserved *big.Int `json:"reserved"` // portion held by open orders
}

func newTokenBalance(k Key) *TokenBalance {
	return &TokenBalance{Key: k, Balance: new(big.Int), Reserved: new(big.Int)}
}

// Available returns Balance - Reserved.
func (b *TokenBalance) Available() *big.Int {
	return new(big.Int).Sub(b.Balance, b.Reserved)
}

// Validate checks the row invariants: nothing negative, Reserved ≤ Balance.
func (b *TokenBalance) Validate() error {
	if b.Balance.Sign() < 0 {
		return fmt.Errorf("negative balance for %s: %s", b.Key, b.Balance)
	}
	if b.Reserved.Sign() < 0 {
		return fmt.Errorf("negative reservation for %s: %s", b.Key, b.Reserved)
	}
	if b.Reserved.Cmp(b.Balance) > 0 {
		return fmt.Errorf("reserved %s exceeds balance %s for %s", b.Reserved, b.Balance, b.Key)
	}
	return nil
}

func (b *TokenBalance) clone() *TokenBalance {
	return &TokenBalance{
		Key:      b.Key,
		Balance:  new(big.Int).Set(b.Balance),
		Reserved: new(big.Int).Set(b.Reserved),
	}
}

// Hold is a reservation placed by an open order. Amount is what is still
// held; it shrinks as the order fills (Consume) or is cancelled (Release).
type Hold struct {
	ID     string   `json:"id"`
	Key    Key      `json:"key"`
	Amount *big.Int `json:"amount"`
	Closed bool     `json:"closed"` // fully consumed or released
}

func (h *Hold) clone() *Hold {
	return &Hold{ID: h.ID, Key: h.Key, Amount: new(big.Int).Set(h.Amount), Closed: h.Closed}
}
