package settlement

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/events"
	"github.com/uhyunpark/veilx/pkg/report"
	"github.com/uhyunpark/veilx/pkg/storage"
)

const (
	SourceAPI   = "api"
	SourceChain = "chain"
)

// RequestWithdrawal records a withdrawal and debits the user's available
// balance. A request whose ID was seen before returns the stored record.
// When the balance cannot cover it the record is FAILED, no report is sent,
// and the returned error matches errs.ErrInsufficientFunds.
func (o *Orchestrator) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*Withdrawal, error) {
	if req.User == (common.Address{}) {
		return nil, errs.Validation("user address required")
	}
	if req.Chain == 0 {
		return nil, errs.Validation("chain selector required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, errs.Validation("amount must be positive")
	}
	if req.ID == (common.Hash{}) {
		req.ID = crypto.Keccak256Hash([]byte(uuid.NewString()))
	}
	if req.Source == "" {
		req.Source = SourceAPI
	}

	o.mu.Lock()
	existing, err := o.loadWithdrawal(req.ID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		o.mu.Unlock()
		return nil, err
	}
	if existing != nil && existing.Status != WithdrawalPending {
		o.mu.Unlock()
		o.log.Debugw("withdrawal_duplicate", "withdrawal_id", req.ID.Hex(), "status", existing.Status.String())
		return existing, nil
	}
	if existing == nil {
		token := req.Token
		if token == (common.Address{}) {
			token = o.cfg.WithdrawTokens[req.Chain]
		}
		if token == (common.Address{}) {
			o.mu.Unlock()
			return nil, errs.Validation("no withdrawal token for chain %d", req.Chain)
		}
		now := o.clock.Now().UTC()
		w := &Withdrawal{
			ID:        req.ID,
			User:      req.User,
			Token:     token,
			Chain:     req.Chain,
			Amount:    req.Amount,
			Status:    WithdrawalPending,
			Source:    req.Source,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.store.Put(storage.WithdrawalKey(w.ID.Hex()), w); err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.countWithdrawal(w)
		o.log.Infow("withdrawal_requested",
			"withdrawal_id", w.ID.Hex(),
			"user", w.User.Hex(),
			"token", w.Token.Hex(),
			"chain", w.Chain,
			"amount", w.Amount.String(),
			"source", w.Source,
		)
	}
	o.mu.Unlock()

	return o.debit(ctx, req.ID)
}

// debit takes the amount out of the available balance and queues the
// report. Safe to repeat on a PENDING record.
func (o *Orchestrator) debit(ctx context.Context, id common.Hash) (*Withdrawal, error) {
	w, err := o.Withdrawal(id)
	if err != nil {
		return nil, err
	}
	if w.Status != WithdrawalPending {
		return w, nil
	}

	_, err = o.ledger.Debit(ctx, w.key(), w.Amount, "withdrawal:"+id.Hex())
	if err != nil && !errs.IsPermanent(err) {
		return w, err
	}
	if err != nil {
		o.log.Warnw("withdrawal_rejected", "withdrawal_id", id.Hex(), "err", err)
		w, _, uerr := o.moveWithdrawal(ctx, id, WithdrawalPending, WithdrawalFailed, func(w *Withdrawal) {
			w.Reason = err.Error()
		})
		if uerr != nil {
			return w, errors.Join(err, uerr)
		}
		return w, err
	}

	w, moved, err := o.moveWithdrawal(ctx, id, WithdrawalPending, WithdrawalProcessing, func(w *Withdrawal) {
		w.Debited = true
	})
	if err != nil {
		return w, err
	}
	// a concurrent request for the same id already queued the report
	if moved {
		o.jobs.push(job{kind: jobWithdraw, id: id})
	}
	return w, nil
}

// claimWithdrawal marks a PROCESSING withdrawal as being submitted. It
// returns nil when the record is in another state or another worker holds it.
func (o *Orchestrator) claimWithdrawal(id common.Hash) (*Withdrawal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, err := o.loadWithdrawal(id)
	if err != nil {
		return nil, err
	}
	if w.Status != WithdrawalProcessing {
		return nil, nil
	}
	if _, busy := o.inflight[id]; busy {
		return nil, nil
	}
	o.inflight[id] = struct{}{}
	return w, nil
}

func (o *Orchestrator) releaseWithdrawal(id common.Hash) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) submitWithdrawal(ctx context.Context, id common.Hash) {
	w, err := o.claimWithdrawal(id)
	if err != nil {
		o.log.Errorw("withdrawal_load_failed", "withdrawal_id", id.Hex(), "err", err)
		return
	}
	if w == nil {
		return
	}
	defer o.releaseWithdrawal(id)

	rcpt, err := o.submitter.SubmitWithdraw(ctx, report.WithdrawInstruction{
		Chain:        w.Chain,
		User:         w.User,
		WithdrawalID: w.ID,
		Token:        w.Token,
		Amount:       w.Amount,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		reason := err.Error()
		o.log.Errorw("withdrawal_submission_failed", "withdrawal_id", id.Hex(), "err", err)
		if _, _, err := o.moveWithdrawal(ctx, id, WithdrawalProcessing, WithdrawalFailed, func(w *Withdrawal) {
			w.Reason = reason
		}); err != nil {
			o.log.Errorw("withdrawal_update_failed", "withdrawal_id", id.Hex(), "err", err)
			return
		}
		o.refund(ctx, id)
		return
	}

	if _, _, err := o.moveWithdrawal(ctx, id, WithdrawalProcessing, WithdrawalCompleted, func(w *Withdrawal) {
		w.TxRef = rcpt.TxRef
		w.Path = rcpt.Path
		w.Fallback = rcpt.Path == report.Fallback
	}); err != nil {
		o.log.Errorw("withdrawal_update_failed", "withdrawal_id", id.Hex(), "err", err)
	}
}

// refund credits a failed withdrawal's debit back to the user.
func (o *Orchestrator) refund(ctx context.Context, id common.Hash) {
	w, err := o.Withdrawal(id)
	if err != nil {
		o.log.Errorw("withdrawal_load_failed", "withdrawal_id", id.Hex(), "err", err)
		return
	}
	if w.Status != WithdrawalFailed || !w.Debited || w.Refunded {
		return
	}
	if _, err := o.ledger.Credit(ctx, w.key(), w.Amount, "withdrawal:"+id.Hex()+":refund"); err != nil {
		o.log.Errorw("withdrawal_refund_failed", "withdrawal_id", id.Hex(), "err", err)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	w, err = o.loadWithdrawal(id)
	if err == nil {
		w.Refunded = true
		w.UpdatedAt = o.clock.Now().UTC()
		err = o.store.Put(storage.WithdrawalKey(id.Hex()), w)
	}
	if err != nil {
		o.log.Errorw("withdrawal_update_failed", "withdrawal_id", id.Hex(), "err", err)
		return
	}
	o.log.Infow("withdrawal_refunded", "withdrawal_id", id.Hex(), "amount", w.Amount.String())
}

// moveWithdrawal transitions from -> to. If the record is no longer in
// from, it is returned unchanged with moved=false.
func (o *Orchestrator) moveWithdrawal(ctx context.Context, id common.Hash, from, to WithdrawalStatus, fn func(*Withdrawal)) (*Withdrawal, bool, error) {
	o.mu.Lock()
	w, err := o.loadWithdrawal(id)
	if err != nil {
		o.mu.Unlock()
		return nil, false, err
	}
	if w.Status != from {
		o.mu.Unlock()
		return w, false, nil
	}
	w.Status = to
	if fn != nil {
		fn(w)
	}
	w.UpdatedAt = o.clock.Now().UTC()
	err = o.store.Put(storage.WithdrawalKey(id.Hex()), w)
	o.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	o.countWithdrawal(w)
	o.log.Infow("withdrawal_transition",
		"withdrawal_id", id.Hex(),
		"from", from.String(),
		"to", to.String(),
		"path", w.Path.String(),
	)
	ev := events.NewEvent("withdrawal."+strings.ToLower(to.String()), id.Hex(), w)
	if err := o.publisher.Publish(ctx, events.TopicWithdrawals, ev); err != nil {
		o.log.Warnw("withdrawal_publish_failed", "withdrawal_id", id.Hex(), "err", err)
	}
	return w, true, nil
}

func (o *Orchestrator) loadWithdrawal(id common.Hash) (*Withdrawal, error) {
	var w Withdrawal
	found, err := o.store.Get(storage.WithdrawalKey(id.Hex()), &w)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("withdrawal", id.Hex())
	}
	return &w, nil
}

// Withdrawal returns the stored record.
func (o *Orchestrator) Withdrawal(id common.Hash) (*Withdrawal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadWithdrawal(id)
}

func (o *Orchestrator) countWithdrawal(w *Withdrawal) {
	if o.metrics != nil {
		o.metrics.WithdrawalsTotal.WithLabelValues(w.Status.String()).Inc()
	}
}
