package settlement

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/vault"
)

// HandleSettled completes a same-chain settlement.
func (o *Orchestrator) HandleSettled(ctx context.Context, ev vault.Settled) error {
	return o.confirm(ctx, ev.Meta, ev.OrderID, Completed, func(s *Settlement) error {
		if s.CrossChain() {
			return errs.ReconciliationMismatch("Settled event for cross-chain settlement %s", s.ID.Hex())
		}
		if ev.Chain != s.ChainSelector {
			return errs.ReconciliationMismatch("settled on chain %d, expected %d", ev.Chain, s.ChainSelector)
		}
		if ev.StealthBuyer != s.StealthBuyer || ev.StealthSeller != s.StealthSeller {
			return errs.ReconciliationMismatch("stealth addresses %s/%s, expected %s/%s",
				ev.StealthBuyer.Hex(), ev.StealthSeller.Hex(), s.StealthBuyer.Hex(), s.StealthSeller.Hex())
		}
		return nil
	})
}

// HandleCrossChainSettled records that the origin vault paid the seller and
// handed the base leg to the bridge.
func (o *Orchestrator) HandleCrossChainSettled(ctx context.Context, ev vault.CrossChainSettled) error {
	return o.confirm(ctx, ev.Meta, ev.OrderID, Bridging, func(s *Settlement) error {
		if !s.CrossChain() {
			return errs.ReconciliationMismatch("CrossChainSettled event for same-chain settlement %s", s.ID.Hex())
		}
		if ev.Chain != s.ChainSelector {
			return errs.ReconciliationMismatch("bridged from chain %d, expected %d", ev.Chain, s.ChainSelector)
		}
		if ev.DestChainSelector != s.DestChainSelector {
			return errs.ReconciliationMismatch("bridged to chain %d, expected %d", ev.DestChainSelector, s.DestChainSelector)
		}
		msg := ev.BridgeMessageID
		s.BridgeMessageID = &msg
		return nil
	})
}

// HandleTokenReleased completes a cross-chain settlement once the
// destination vault paid the stealth buyer.
func (o *Orchestrator) HandleTokenReleased(ctx context.Context, ev vault.TokenReleased) error {
	return o.confirm(ctx, ev.Meta, ev.OrderID, Completed, func(s *Settlement) error {
		switch {
		case !s.CrossChain():
			return errs.ReconciliationMismatch("TokenReleased event for same-chain settlement %s", s.ID.Hex())
		case ev.Chain != s.DestChainSelector:
			return errs.ReconciliationMismatch("released on chain %d, expected %d", ev.Chain, s.DestChainSelector)
		case ev.Recipient != s.StealthBuyer:
			return errs.ReconciliationMismatch("recipient %s, expected %s", ev.Recipient.Hex(), s.StealthBuyer.Hex())
		case ev.Token != s.Base.Address:
			return errs.ReconciliationMismatch("token %s, expected %s", ev.Token.Hex(), s.Base.Address.Hex())
		case ev.Amount == nil || ev.Amount.Cmp(s.Amount) != 0:
			return errs.ReconciliationMismatch("amount %v, expected %s", ev.Amount, s.Amount)
		}
		return nil
	})
}

// confirm applies a vault confirmation. Unknown settlements and payload
// mismatches are logged and swallowed so the listener keeps moving; only
// storage failures are returned for retry.
func (o *Orchestrator) confirm(ctx context.Context, meta vault.Meta, id common.Hash, to Status, check func(*Settlement) error) error {
	s, moved, err := o.transition(ctx, id, to, check)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		o.log.Warnw("settlement_unknown", "settlement_id", id.Hex(), "event_id", meta.ID)
		return nil
	case errors.Is(err, errs.ErrReconciliationMismatch):
		if o.metrics != nil {
			o.metrics.Reconciliation.Inc()
		}
		o.log.Errorw("settlement_reconciliation_mismatch",
			"settlement_id", id.Hex(),
			"event_id", meta.ID,
			"status", s.Status.String(),
			"err", err,
		)
		return nil
	case err != nil:
		return err
	}
	if !moved {
		o.log.Debugw("settlement_confirmation_ignored", "settlement_id", id.Hex(), "event_id", meta.ID, "status", s.Status.String())
		return nil
	}
	if s.Status.Terminal() {
		o.afterTerminal(ctx, s)
	} else {
		o.publish(ctx, s)
	}
	return nil
}

// Resume re-queues whatever a previous run left unfinished: PENDING
// settlements, unfinalized terminal settlements and every withdrawal short
// of a terminal state or still owed a refund. It returns the number of
// records picked up.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	var settlements []*Settlement
	err := storage.ScanInto(o.store, storage.SettlementPrefix(), func(s *Settlement) error {
		if s.Status == Pending || (s.Status.Terminal() && !s.Finalized) {
			settlements = append(settlements, s)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sortByCreated(settlements)

	resumed := 0
	for _, s := range settlements {
		resumed++
		if s.Status.Terminal() {
			o.jobs.push(job{kind: jobFinalize, id: s.ID})
			continue
		}
		if err := o.consumeLegs(ctx, s.ID); err != nil {
			if errors.Is(err, errs.ErrInsufficientFunds) || errors.Is(err, errs.ErrNotFound) {
				o.fail(ctx, s.ID, err.Error())
				continue
			}
			return resumed, err
		}
		o.jobs.push(job{kind: jobSettle, id: s.ID})
	}

	var withdrawals []*Withdrawal
	err = storage.ScanInto(o.store, storage.WithdrawalPrefix(), func(w *Withdrawal) error {
		if !w.Status.Terminal() || (w.Status == WithdrawalFailed && w.Debited && !w.Refunded) {
			withdrawals = append(withdrawals, w)
		}
		return nil
	})
	if err != nil {
		return resumed, err
	}
	for _, w := range withdrawals {
		resumed++
		switch w.Status {
		case WithdrawalPending:
			if _, err := o.debit(ctx, w.ID); err != nil && !errs.IsPermanent(err) {
				return resumed, err
			}
		case WithdrawalProcessing:
			o.jobs.push(job{kind: jobWithdraw, id: w.ID})
		case WithdrawalFailed:
			o.refund(ctx, w.ID)
		}
	}

	if resumed > 0 {
		o.log.Infow("settlement_resumed", "records", resumed, "queued", o.jobs.len())
	}
	return resumed, nil
}
