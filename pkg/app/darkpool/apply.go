package darkpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/veilx/pkg/app/core/ledger"
	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/settlement"
	"github.com/uhyunpark/veilx/pkg/vault"
)

// Apply routes one vault event to its owner. It is the listeners' handler,
// so every branch must be safe to run again for the same event.
func (a *App) Apply(ctx context.Context, ev vault.Event) error {
	switch e := ev.(type) {
	case vault.Funded:
		return a.applyFunded(ctx, e)
	case vault.WithdrawalRequested:
		return a.applyWithdrawalRequested(ctx, e)
	case vault.Settled:
		return a.Orchestrator.HandleSettled(ctx, e)
	case vault.CrossChainSettled:
		return a.Orchestrator.HandleCrossChainSettled(ctx, e)
	case vault.TokenReleased:
		return a.Orchestrator.HandleTokenReleased(ctx, e)
	default:
		return errs.Validation("unsupported event %s", ev.Name())
	}
}

func (a *App) applyFunded(ctx context.Context, e vault.Funded) error {
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return errs.Validation("funded event %s has no amount", e.ID)
	}
	ref := market.TokenRef{Address: e.Token, Chain: e.Chain}
	pair, err := a.Registry.Observe(ref, a.clock.Now())
	if err != nil {
		return err
	}
	if pair != nil {
		a.log.Infow("pair_listed", "pair", pair.ID, "base", pair.Base.String(), "quote", pair.Quote.String())
	}

	k := ledger.Key{User: e.User, Token: e.Token, Chain: e.Chain}
	applied, err := a.Ledger.Credit(ctx, k, e.Amount, e.ID)
	if err != nil {
		return fmt.Errorf("credit deposit %s: %w", e.ID, err)
	}
	if applied {
		a.log.Infow("deposit_credited", "event_id", e.ID, "user", e.User.Hex(), "token", e.Token.Hex(), "amount", e.Amount.String())
	}
	return nil
}

func (a *App) applyWithdrawalRequested(ctx context.Context, e vault.WithdrawalRequested) error {
	_, err := a.Orchestrator.RequestWithdrawal(ctx, settlement.WithdrawalRequest{
		ID:     e.WithdrawalID,
		User:   e.User,
		Chain:  e.Chain,
		Amount: e.Amount,
		Source: settlement.SourceChain,
	})
	if errors.Is(err, errs.ErrInsufficientFunds) {
		// recorded as FAILED; nothing left to retry
		a.log.Debugw("withdrawal_event_settled_as_failed", "withdrawal_id", e.WithdrawalID.Hex(), "event_id", e.ID)
		return nil
	}
	return err
}
