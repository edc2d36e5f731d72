package ledger

import (
	"fmt"
	"strings"
)

// Revert reasons emitted by the escrow contract.
const (
	ReasonInvalidAmount     = "Amount must be greater than 0"
	ReasonInvalidPayee      = "Invalid freelancer address"
	ReasonInsufficientFunds = "insufficient funds for gas * price + value"
	ReasonNotPayee          = "Only freelancer can mark completed"
	ReasonAlreadyCompleted  = "Already completed"
	ReasonNotPayer          = "Only client can release funds"
	ReasonNotCompleted      = "Work not completed yet"
	ReasonAlreadyReleased   = "Already paid"
	ReasonUnknownRecord     = "Project does not exist"
)

// RejectKind classifies a rejection so callers can tell the user which
// precondition failed.
type RejectKind string

const (
	KindInsufficientFunds RejectKind = "insufficient_funds"
	KindInvalidPayee      RejectKind = "invalid_payee"
	KindInvalidAmount     RejectKind = "invalid_amount"
	KindAlreadyCompleted  RejectKind = "already_completed"
	KindNotPayee          RejectKind = "not_payee"
	KindNotCompleted      RejectKind = "not_completed"
	KindNotPayer          RejectKind = "not_payer"
	KindAlreadyReleased   RejectKind = "already_released"
	KindUnknownRecord     RejectKind = "unknown_record"
	KindUnknown           RejectKind = "unknown"
)

// RejectedError is a submission the ledger refused. Reason is the ledger's
// own message, unmodified.
type RejectedError struct {
	Op     string
	Reason string
	Kind   RejectKind
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.Op, e.Reason)
}

// Reject builds a RejectedError and classifies its reason.
func Reject(op, reason string) *RejectedError {
	return &RejectedError{Op: op, Reason: reason, Kind: Classify(reason)}
}

// Classify maps a revert reason to a RejectKind.
func Classify(reason string) RejectKind {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(r, "invalid freelancer"), strings.Contains(r, "invalid payee"):
		return KindInvalidPayee
	case strings.Contains(r, "amount must"):
		return KindInvalidAmount
	case strings.Contains(r, "already completed"):
		return KindAlreadyCompleted
	case strings.Contains(r, "only freelancer"), strings.Contains(r, "not the payee"):
		return KindNotPayee
	case strings.Contains(r, "not completed"):
		return KindNotCompleted
	case strings.Contains(r, "only client"), strings.Contains(r, "not the payer"):
		return KindNotPayer
	case strings.Contains(r, "already paid"), strings.Contains(r, "already released"):
		return KindAlreadyReleased
	case strings.Contains(r, "does not exist"):
		return KindUnknownRecord
	}
	return KindUnknown
}

// TimeoutError means the submission was sent but its confirmation was not
// observed in time. The transaction may or may not land; resubmitting could
// lock funds twice.
type TimeoutError struct {
	Op     string
	TxHash string
	Cause  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("confirmation of %s not observed", e.Op)
	if e.TxHash != "" {
		msg += " for tx " + e.TxHash
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg + "; run a reconciliation read before retrying"
}

func (e *TimeoutError) Unwrap() error { return e.Cause }
