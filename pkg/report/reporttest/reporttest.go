// Package reporttest provides an in-memory Submitter for tests of the
// components that send reports.
package reporttest

import (
	"context"
	"sync"

	"github.com/uhyunpark/veilx/pkg/report"
)

// Recorder accepts every report on Path and remembers it. Setting one of the
// Err fields makes the matching call fail.
type Recorder struct {
	Path        report.Path
	SettleErr   error
	WithdrawErr error

	mu          sync.Mutex
	settles     []report.SettleInstruction
	withdrawals []report.WithdrawInstruction
	verifies    []report.VerifyInstruction
}

func (r *Recorder) SubmitVerify(_ context.Context, in report.VerifyInstruction) (report.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifies = append(r.verifies, in)
	return report.Receipt{TxRef: "0xverify", Path: r.Path}, nil
}

func (r *Recorder) SubmitSettle(_ context.Context, in report.SettleInstruction) (report.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settles = append(r.settles, in)
	if r.SettleErr != nil {
		return report.Receipt{}, r.SettleErr
	}
	return report.Receipt{TxRef: "0xsettle", Path: r.Path}, nil
}

func (r *Recorder) SubmitWithdraw(_ context.Context, in report.WithdrawInstruction) (report.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdrawals = append(r.withdrawals, in)
	if r.WithdrawErr != nil {
		return report.Receipt{}, r.WithdrawErr
	}
	return report.Receipt{TxRef: "0xwithdraw", Path: r.Path}, nil
}

func (r *Recorder) Settles() []report.SettleInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.SettleInstruction(nil), r.settles...)
}

func (r *Recorder) Withdrawals() []report.WithdrawInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.WithdrawInstruction(nil), r.withdrawals...)
}

func (r *Recorder) Verifies() []report.VerifyInstruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.VerifyInstruction(nil), r.verifies...)
}
