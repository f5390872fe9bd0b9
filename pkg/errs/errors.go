// Package errs defines the error taxonomy shared by the matching, ledger,
// listener and settlement packages. Callers classify errors with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input rejected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientBalance is returned when an order reservation exceeds the
	// available (unreserved) balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientFunds is returned when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSubmissionFailed marks a report path that was unreachable or rejected the report.
	ErrSubmissionFailed = errors.New("submission failed")

	// ErrEventApplication marks a transient failure applying a chain event.
	// The event is retried on re-delivery.
	ErrEventApplication = errors.New("event application error")

	// ErrReconciliationMismatch marks an on-chain outcome that disagrees with
	// the locally expected state.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	ErrNotFound = errors.New("not found")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func InsufficientBalance(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientBalance, fmt.Sprintf(format, args...))
}

func InsufficientFunds(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientFunds, fmt.Sprintf(format, args...))
}

// SubmissionFailed wraps cause so both ErrSubmissionFailed and the cause
// (for example context.DeadlineExceeded) match errors.Is.
func SubmissionFailed(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrSubmissionFailed, op, cause)
}

func EventApplication(kind string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrEventApplication, kind, cause)
}

func ReconciliationMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrReconciliationMismatch, fmt.Sprintf(format, args...))
}

func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}

// IsPermanent reports whether retrying the same input can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientBalance)
}
