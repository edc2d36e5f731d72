package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"escrowline/internal/events"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
	"escrowline/internal/metrics"
	"escrowline/internal/repo"
)

const defaultScanDepth = 32

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Ledger  ledger.Gateway
	Metrics *metrics.Recorder
	Log     *slog.Logger
	Now     func() time.Time
	// ScanDepth bounds how many ledger records a reconciliation scans when
	// looking for a lock the record store never saw.
	ScanDepth int
}

func New(db *sql.DB, gw ledger.Gateway) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: gw,
		Now:    time.Now,
	}
}

// Actor is the user driving a flow and the key they currently control.
type Actor struct {
	UserID string
	Signer identity.SigningContext
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) scanDepth() int {
	if e.ScanDepth > 0 {
		return e.ScanDepth
	}
	return defaultScanDepth
}

// VerifyIdentity checks that sc currently resolves to expected.
func (e Engine) VerifyIdentity(ctx context.Context, expected string, sc identity.SigningContext) (identity.Result, error) {
	return identity.Verify(ctx, expected, sc)
}
