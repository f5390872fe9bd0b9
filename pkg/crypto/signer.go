package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the operator's secp256k1 key. It signs fallback reports and
// the transactions that carry them to the vault.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random operator key (tests and local devnets).
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex loads a key given as 64 hex chars, with or without 0x.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey is exposed for transaction signing only.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// ReportHash is keccak256 over the encoded report.
func ReportHash(report []byte) common.Hash {
	return crypto.Keccak256Hash(report)
}

// SignReport returns a 65-byte [R || S || V] signature over
// keccak256(report), with V in {27, 28} as ecrecover expects.
func (s *Signer) SignReport(report []byte) ([]byte, error) {
	sig, err := crypto.Sign(ReportHash(report).Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign report: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverReportSigner returns the address that produced sig over report.
func RecoverReportSigner(report, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(ReportHash(report).Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyReport checks that sig over report was made by address.
func VerifyReport(address common.Address, report, sig []byte) bool {
	got, err := RecoverReportSigner(report, sig)
	return err == nil && got == address
}
