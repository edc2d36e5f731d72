// Package ledger defines the escrow ledger gateway: lock, complete and
// release as submit-and-await-confirmation calls, plus record reads.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"escrowline/internal/domain"
	"escrowline/internal/identity"
)

// Operation names as used in errors, logs and metrics.
const (
	OpLock     = "lockFunds"
	OpComplete = "markWorkComplete"
	OpRelease  = "releaseFunds"
)

// Receipt describes a confirmed ledger call.
type Receipt struct {
	LedgerID uint64 `json:"ledger_id"`
	TxHash   string `json:"tx_hash"`
	Block    uint64 `json:"block,omitempty"`
}

// Reader is the read-only part of the ledger.
type Reader interface {
	RecordCount(ctx context.Context) (uint64, error)
	Record(ctx context.Context, ledgerID uint64) (domain.LedgerRecord, error)
}

// Gateway wraps the three state-changing ledger operations. Each call blocks
// until the ledger confirms inclusion, rejects the submission, or the
// confirmation wait times out.
type Gateway interface {
	Reader
	LockFunds(ctx context.Context, signer identity.SigningContext, payee string, amountWei *big.Int, memo string) (Receipt, error)
	MarkWorkComplete(ctx context.Context, signer identity.SigningContext, ledgerID uint64) (Receipt, error)
	ReleaseFunds(ctx context.Context, signer identity.SigningContext, ledgerID uint64) (Receipt, error)
}

// ErrUnknownRecord is returned by Record for an id the ledger never assigned.
var ErrUnknownRecord = errors.New("ledger record not found")

// FindRecord walks ids downward from `from` (inclusive) for at most depth
// records and returns the first one accepted by match.
func FindRecord(ctx context.Context, fetch func(context.Context, uint64) (domain.LedgerRecord, error), from uint64, depth int, match func(domain.LedgerRecord) bool) (domain.LedgerRecord, bool, error) {
	if depth <= 0 {
		depth = 1
	}
	for id, seen := from, 0; id > 0 && seen < depth; id, seen = id-1, seen+1 {
		if err := ctx.Err(); err != nil {
			return domain.LedgerRecord{}, false, err
		}
		rec, err := fetch(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUnknownRecord) {
				continue
			}
			return domain.LedgerRecord{}, false, fmt.Errorf("read ledger record %d: %w", id, err)
		}
		if match(rec) {
			return rec, true, nil
		}
	}
	return domain.LedgerRecord{}, false, nil
}

// LockMatcher matches the record a lock submission created.
func LockMatcher(payer, payee string, amountWei *big.Int, memo string) func(domain.LedgerRecord) bool {
	want := amountWei.String()
	return func(rec domain.LedgerRecord) bool {
		return identity.Equal(rec.Payer, payer) &&
			identity.Equal(rec.Payee, payee) &&
			rec.AmountWei == want &&
			rec.Memo == memo
	}
}

// MemoMatcher matches any record carrying memo.
func MemoMatcher(memo string) func(domain.LedgerRecord) bool {
	return func(rec domain.LedgerRecord) bool {
		return strings.TrimSpace(rec.Memo) == memo
	}
}
