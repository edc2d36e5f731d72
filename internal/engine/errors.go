package engine

import (
	"errors"
	"fmt"

	"escrowline/internal/domain"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
	"escrowline/internal/metrics"
)

// GuardError is a violated precondition detected before any ledger call.
type GuardError struct {
	Op           domain.Op
	Precondition string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Precondition)
}

func guard(op domain.Op, format string, args ...any) *GuardError {
	return &GuardError{Op: op, Precondition: fmt.Sprintf(format, args...)}
}

// DriftError reports a ledger operation that confirmed while the matching
// record write failed. The ledger and the record store now disagree until a
// reconciliation applies the ledger's state.
type DriftError struct {
	Op        domain.Op
	ProjectID string
	LedgerID  uint64
	TxHash    string
	Cause     error
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("state drift: %s confirmed on the ledger (ledger id %d, tx %s) but project %s was not updated: %v; run reconcile",
		e.Op, e.LedgerID, e.TxHash, e.ProjectID, e.Cause)
}

func (e *DriftError) Unwrap() error { return e.Cause }

func outcomeOf(err error) string {
	var (
		ge *GuardError
		me *identity.MismatchError
		re *ledger.RejectedError
		te *ledger.TimeoutError
		de *DriftError
	)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &de):
		return metrics.OutcomeDrift
	case errors.As(err, &ge):
		return metrics.OutcomeGuard
	case errors.As(err, &me), errors.Is(err, identity.ErrNoSigner), errors.Is(err, identity.ErrNoStoredAddress):
		return metrics.OutcomeIdentity
	case errors.As(err, &re):
		return metrics.OutcomeRejected
	case errors.As(err, &te):
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeError
}
