// Package memledger is an in-process escrow ledger with the contract's rules.
// It backs tests and the "memory" ledger driver.
package memledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowline/internal/domain"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
)

type fault struct {
	err     error
	timeout bool
}

type Ledger struct {
	// ConfirmDelay is how long each confirmation takes. A caller whose
	// context ends first gets a TimeoutError; the call still lands.
	ConfirmDelay time.Duration

	mu       sync.Mutex
	base     uint64
	records  []domain.LedgerRecord
	balances map[string]*big.Int
	faults   map[string][]fault
	calls    map[string]int
	block    uint64
}

var _ ledger.Gateway = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		balances: map[string]*big.Int{},
		faults:   map[string][]fault{},
		calls:    map[string]int{},
	}
}

func norm(addr string) string {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return strings.ToLower(addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex())
}

// Fund credits addr with wei.
func (l *Ledger) Fund(addr string, wei *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balanceLocked(addr)
	b.Add(b, wei)
}

// Balance returns a copy of addr's balance.
func (l *Ledger) Balance(addr string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(addr))
}

func (l *Ledger) balanceLocked(addr string) *big.Int {
	key := norm(addr)
	b, ok := l.balances[key]
	if !ok {
		b = new(big.Int)
		l.balances[key] = b
	}
	return b
}

// FailNext makes the next call of op return err without touching the ledger.
func (l *Ledger) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], fault{err: err})
}

// TimeoutNext makes the next call of op land but report a TimeoutError.
func (l *Ledger) TimeoutNext(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], fault{timeout: true})
}

// Calls returns how many submissions of op reached the ledger, whether they
// were accepted, reverted or failed by an injected fault.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *Ledger) takeFault(op string) (fault, bool) {
	q := l.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	l.faults[op] = q[1:]
	return q[0], true
}

func (l *Ledger) RecordCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base + uint64(len(l.records)), nil
}

// StartAfter makes the next lock id n+1. Ids up to n read as unknown
// records. It only applies to a ledger that holds no records yet.
func (l *Ledger) StartAfter(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		l.base = n
	}
}

func (l *Ledger) Record(ctx context.Context, id uint64) (domain.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if id <= l.base || id > l.base+uint64(len(l.records)) {
		return domain.LedgerRecord{}, fmt.Errorf("record %d: %w", id, ledger.ErrUnknownRecord)
	}
	return l.records[id-l.base-1], nil
}

func (l *Ledger) LockFunds(ctx context.Context, sc identity.SigningContext, payee string, amount *big.Int, memo string) (ledger.Receipt, error) {
	return l.submit(ctx, ledger.OpLock, sc, func(from string) (uint64, error) {
		if amount == nil || amount.Sign() <= 0 {
			return 0, ledger.Reject(ledger.OpLock, ledger.ReasonInvalidAmount)
		}
		if !identity.IsHexAddress(payee) || common.HexToAddress(payee) == (common.Address{}) {
			return 0, ledger.Reject(ledger.OpLock, ledger.ReasonInvalidPayee)
		}
		bal := l.balanceLocked(from)
		if bal.Cmp(amount) < 0 {
			return 0, ledger.Reject(ledger.OpLock, ledger.ReasonInsufficientFunds)
		}
		bal.Sub(bal, amount)
		id := l.base + uint64(len(l.records)) + 1
		l.records = append(l.records, domain.LedgerRecord{
			ID:        id,
			Payer:     from,
			Payee:     payee,
			AmountWei: amount.String(),
			Memo:      memo,
		})
		return id, nil
	})
}

func (l *Ledger) MarkWorkComplete(ctx context.Context, sc identity.SigningContext, id uint64) (ledger.Receipt, error) {
	return l.submit(ctx, ledger.OpComplete, sc, func(from string) (uint64, error) {
		rec, err := l.recordLocked(ledger.OpComplete, id)
		if err != nil {
			return 0, err
		}
		if !identity.Equal(rec.Payee, from) {
			return 0, ledger.Reject(ledger.OpComplete, ledger.ReasonNotPayee)
		}
		if rec.Completed {
			return 0, ledger.Reject(ledger.OpComplete, ledger.ReasonAlreadyCompleted)
		}
		rec.Completed = true
		return id, nil
	})
}

func (l *Ledger) ReleaseFunds(ctx context.Context, sc identity.SigningContext, id uint64) (ledger.Receipt, error) {
	return l.submit(ctx, ledger.OpRelease, sc, func(from string) (uint64, error) {
		rec, err := l.recordLocked(ledger.OpRelease, id)
		if err != nil {
			return 0, err
		}
		if !identity.Equal(rec.Payer, from) {
			return 0, ledger.Reject(ledger.OpRelease, ledger.ReasonNotPayer)
		}
		if !rec.Completed {
			return 0, ledger.Reject(ledger.OpRelease, ledger.ReasonNotCompleted)
		}
		if rec.Released {
			return 0, ledger.Reject(ledger.OpRelease, ledger.ReasonAlreadyReleased)
		}
		amount, err := ledger.ParseWei(rec.AmountWei)
		if err != nil {
			return 0, err
		}
		rec.Released = true
		payee := l.balanceLocked(rec.Payee)
		payee.Add(payee, amount)
		return id, nil
	})
}

func (l *Ledger) recordLocked(op string, id uint64) (*domain.LedgerRecord, error) {
	if id <= l.base || id > l.base+uint64(len(l.records)) {
		return nil, ledger.Reject(op, ledger.ReasonUnknownRecord)
	}
	return &l.records[id-l.base-1], nil
}

// submit resolves the sender, applies fn atomically and then waits out the
// confirmation delay.
func (l *Ledger) submit(ctx context.Context, op string, sc identity.SigningContext, fn func(from string) (uint64, error)) (ledger.Receipt, error) {
	if sc == nil {
		return ledger.Receipt{}, identity.ErrNoSigner
	}
	from, err := sc.Address(ctx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %w", identity.ErrNoSigner, err)
	}
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}

	l.mu.Lock()
	l.calls[op]++
	f, faulted := l.takeFault(op)
	if faulted && f.err != nil {
		l.mu.Unlock()
		return ledger.Receipt{}, f.err
	}
	id, err := fn(from)
	if err != nil {
		l.mu.Unlock()
		return ledger.Receipt{}, err
	}
	l.block++
	rcpt := ledger.Receipt{LedgerID: id, TxHash: txHash(), Block: l.block}
	l.mu.Unlock()

	if faulted && f.timeout {
		return ledger.Receipt{}, &ledger.TimeoutError{Op: op, TxHash: rcpt.TxHash}
	}
	if l.ConfirmDelay > 0 {
		t := time.NewTimer(l.ConfirmDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ledger.Receipt{}, &ledger.TimeoutError{Op: op, TxHash: rcpt.TxHash, Cause: ctx.Err()}
		}
	}
	return rcpt, nil
}

func txHash() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return "0x" + hex.EncodeToString(b[:])
}
