// file: pkg/crypto/ethaddr.go
package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ParseAddress validates a user-supplied hex address. All-lowercase and
// all-uppercase forms are accepted as is; mixed case must carry a valid
// EIP-55 checksum. The zero address is rejected.
func ParseAddress(s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("address %q: missing 0x prefix", s)
	}
	body := s[2:]
	if len(body) != 40 {
		return common.Address{}, fmt.Errorf("address %q: want 40 hex chars, got %d", s, len(body))
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return common.Address{}, fmt.Errorf("address %q: %w", s, err)
	}
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if want := EIP55(raw); want[2:] != body {
			return common.Address{}, fmt.Errorf("address %q: bad checksum, want %s", s, want)
		}
	}
	addr := common.BytesToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("address %q: zero address", s)
	}
	return addr, nil
}

// EIP55 computes the checksummed hex address string from 20-byte raw address.
func EIP55(addr20 []byte) string {
	hexaddr := hex.EncodeToString(addr20) // lower
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)

	out := make([]byte, 2+len(hexaddr))
	copy(out, "0x")
	for i, c := range []byte(hexaddr) {
		// each hex char maps to one nibble of the hash; >= 8 means uppercase
		nibble := hash[i>>1] & 0x0f
		if i%2 == 0 {
			nibble = hash[i>>1] >> 4
		}
		if c >= 'a' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out[2+i] = c
	}
	return string(out)
}
