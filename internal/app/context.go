// Package app wires the store, ledger and engine from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/ledger"
	"escrowline/internal/ledger/evm"
	"escrowline/internal/ledger/memledger"
	"escrowline/internal/metrics"
	"escrowline/internal/migrate"
)

// Runtime is everything a command needs to run lifecycle operations.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Ledger  ledger.Gateway
	Metrics *metrics.Recorder
	Log     *slog.Logger
}

type Options struct {
	Workspace string
	DBPath    string
	Config    *config.Config
	Log       *slog.Logger
	// Registerer receives the metric collectors; nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// Open opens and migrates the store, connects the configured ledger and
// builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	gw, err := OpenLedger(ctx, cfg.Ledger, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, gw)
	if mem, ok := gw.(*memledger.Ledger); ok {
		// Ids stored by an earlier process must not be handed out again.
		last, err := eng.Repo.MaxLedgerID(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read stored ledger ids: %w", err)
		}
		if last > 0 {
			mem.StartAfter(last)
			log.Warn("in-memory ledger starts after ledger ids stored in this workspace; earlier escrow records are gone", "last_ledger_id", last)
		}
	}
	rec := metrics.New(opts.Registerer)
	eng.Log = log
	eng.Metrics = rec
	eng.ScanDepth = cfg.Ledger.IDScanDepth
	return &Runtime{DB: conn, Config: cfg, Engine: eng, Ledger: gw, Metrics: rec, Log: log}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// OpenLedger builds the gateway for the configured driver.
func OpenLedger(ctx context.Context, cfg config.LedgerConfig, log *slog.Logger) (ledger.Gateway, error) {
	switch cfg.Driver {
	case config.DriverEVM:
		gw, err := evm.Dial(ctx, cfg.RPCURL, evm.Config{
			Contract:       cfg.ContractAddress,
			ChainID:        cfg.ChainID,
			ConfirmTimeout: cfg.ConfirmTimeout,
			PollInterval:   cfg.PollInterval,
			IDScanDepth:    cfg.IDScanDepth,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("open evm ledger: %w", err)
		}
		return gw, nil
	case config.DriverMemory, "":
		l := memledger.New()
		for addr, amount := range cfg.DevFunds {
			wei, err := ledger.ParseEther(amount)
			if err != nil {
				return nil, fmt.Errorf("ledger.dev_funds[%s]: %w", addr, err)
			}
			l.Fund(addr, wei)
		}
		log.Warn("using in-memory ledger; escrow state is lost on exit")
		return l, nil
	}
	return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
}
