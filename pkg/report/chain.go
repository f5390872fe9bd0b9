package report

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/crypto"
	"github.com/uhyunpark/veilx/pkg/vault"
)

// Backend is the part of ethclient.Client the fallback path uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ChainTarget is one vault the fallback can write to.
type ChainTarget struct {
	Backend Backend
	Vault   common.Address
}

// ChainSubmitter is the local fallback: it signs reports with the operator
// key and calls onReport on the vault directly.
type ChainSubmitter struct {
	signer  *crypto.Signer
	targets map[uint64]ChainTarget
	log     *zap.SugaredLogger

	mu sync.Mutex // serializes nonce use per operator
}

func NewChainSubmitter(signer *crypto.Signer, targets map[uint64]ChainTarget, log *zap.SugaredLogger) *ChainSubmitter {
	return &ChainSubmitter{signer: signer, targets: targets, log: log}
}

// Send implements Transport.
func (c *ChainSubmitter) Send(ctx context.Context, env Envelope) (string, error) {
	target, ok := c.targets[env.Chain]
	if !ok {
		return "", fmt.Errorf("%w: no vault configured for chain %d", ErrRejected, env.Chain)
	}

	sig, err := c.signer.SignReport(env.Report)
	if err != nil {
		return "", err
	}
	data, err := vault.ABI.Pack(vault.MethodOnReport, env.Report, sig)
	if err != nil {
		return "", fmt.Errorf("pack onReport: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.signer.Address()
	chainID, err := target.Backend.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id: %w", err)
	}
	nonce, err := target.Backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := target.Backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	gas, err := target.Backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target.Vault, Data: data})
	if err != nil {
		// A reverting estimate means the vault refuses the report.
		return "", fmt.Errorf("%w: estimate gas: %v", ErrRejected, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &target.Vault,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.signer.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := target.Backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}

	c.log.Infow("fallback_report_sent",
		"kind", env.Kind,
		"chain", env.Chain,
		"tx", signed.Hash().Hex(),
		"nonce", nonce,
	)
	return signed.Hash().Hex(), nil
}
