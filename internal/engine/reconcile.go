package engine

import (
	"context"
	"errors"
	"fmt"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
)

// LifecycleView is a project as the record store has it, next to the live
// ledger record when one exists.
type LifecycleView struct {
	Project      domain.Project       `json:"project"`
	Applications []domain.Application `json:"applications"`
	Ledger       *domain.LedgerRecord `json:"ledger,omitempty"`
	LedgerError  string               `json:"ledger_error,omitempty"`
	Drift        []domain.Drift       `json:"drift,omitempty"`
}

// Lifecycle reads a project's lifecycle. A ledger read failure is reported
// in the view, not as an error.
func (e Engine) Lifecycle(ctx context.Context, projectID string) (LifecycleView, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return LifecycleView{}, err
	}
	apps, err := e.Repo.ListApplications(ctx, p.ID)
	if err != nil {
		return LifecycleView{}, err
	}
	drift, err := e.Repo.ListDrift(ctx, p.ID, true)
	if err != nil {
		return LifecycleView{}, err
	}
	view := LifecycleView{Project: p, Applications: apps, Drift: drift}
	if p.LedgerID != nil && e.Ledger != nil {
		rec, err := e.Ledger.Record(ctx, *p.LedgerID)
		if err != nil {
			view.LedgerError = err.Error()
		} else {
			view.Ledger = &rec
		}
	}
	return view, nil
}

type ReconcileOptions struct {
	// Apply writes the ledger-derived state when it differs.
	Apply   bool
	ActorID string
}

type ReconcileReport struct {
	ProjectID        string               `json:"project_id"`
	Recorded         domain.State         `json:"recorded"`
	Expected         domain.State         `json:"expected"`
	RecordedLedgerID *uint64              `json:"recorded_ledger_id,omitempty"`
	LedgerID         *uint64              `json:"ledger_id,omitempty"`
	FreelancerID     *string              `json:"freelancer_id,omitempty"`
	Ledger           *domain.LedgerRecord `json:"ledger,omitempty"`
	InSync           bool                 `json:"in_sync"`
	Applied          bool                 `json:"applied"`
	ResolvedDrift    int64                `json:"resolved_drift"`
	Notes            []string             `json:"notes,omitempty"`
}

// Reconcile re-derives a project's state from the ledger, which is ground
// truth for anything past open. Projects without a ledger id are matched
// against recent records by memo to recover a lock whose record write was
// lost.
func (e Engine) Reconcile(ctx context.Context, projectID string, opts ReconcileOptions) (ReconcileReport, error) {
	if e.Ledger == nil {
		return ReconcileReport{}, errors.New("reconcile: no ledger configured")
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ReconcileReport{}, err
	}
	rep := ReconcileReport{
		ProjectID:        p.ID,
		Recorded:         p.Status,
		Expected:         p.Status,
		RecordedLedgerID: p.LedgerID,
		LedgerID:         p.LedgerID,
		FreelancerID:     p.FreelancerID,
	}

	var hireApp *domain.Application
	if p.LedgerID != nil {
		rec, err := e.Ledger.Record(ctx, *p.LedgerID)
		if err != nil {
			return rep, fmt.Errorf("reconcile %s: read ledger record %d: %w", p.ID, *p.LedgerID, err)
		}
		if rec.Memo != domain.Memo(p.ID) {
			return rep, fmt.Errorf("reconcile %s: ledger record %d carries memo %q", p.ID, rec.ID, rec.Memo)
		}
		rep.Ledger = &rec
		rep.Expected = domain.StateFromLedger(rec)
	} else {
		rec, found, err := e.findLock(ctx, p.ID)
		if err != nil {
			return rep, fmt.Errorf("reconcile %s: %w", p.ID, err)
		}
		if found {
			id := rec.ID
			rep.Ledger = &rec
			rep.LedgerID = &id
			rep.Expected = domain.StateFromLedger(rec)
			rep.Notes = append(rep.Notes, fmt.Sprintf("found lock %d for this project that the record store never saw", id))
			app, err := e.applicationForPayee(ctx, p.ID, rec.Payee)
			if err != nil {
				return rep, fmt.Errorf("reconcile %s: %w", p.ID, err)
			}
			if app == nil {
				rep.Notes = append(rep.Notes, fmt.Sprintf("no applicant has wallet %s", rec.Payee))
			} else {
				hireApp = app
				rep.FreelancerID = &app.FreelancerID
			}
		}
	}
	rep.InSync = rep.Expected == p.Status && sameLedgerID(rep.LedgerID, p.LedgerID)

	other, err := e.otherDrift(ctx, p.ID, rep.LedgerID)
	if err != nil {
		return rep, err
	}
	for _, d := range other {
		rep.Notes = append(rep.Notes, fmt.Sprintf("drift %s concerns ledger record %d, which is not this project's lock; resolve it manually", d.ID, *d.LedgerID))
	}

	if !opts.Apply {
		return rep, nil
	}
	if !rep.InSync && p.LedgerID == nil && hireApp == nil {
		return rep, fmt.Errorf("reconcile %s: cannot apply ledger state without a matching applicant", p.ID)
	}
	if err := e.applyReconcile(ctx, p, &rep, hireApp, opts.ActorID); err != nil {
		return rep, err
	}
	return rep, nil
}

func (e Engine) applyReconcile(ctx context.Context, p domain.Project, rep *ReconcileReport, hireApp *domain.Application, actorID string) error {
	if actorID == "" {
		actorID = "system"
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !rep.InSync {
		switch {
		case p.LedgerID == nil:
			rcpt := ledger.Receipt{LedgerID: *rep.LedgerID}
			if err := e.Repo.ApplyHire(ctx, tx, repoHire(p, *hireApp, rcpt, now)); err != nil {
				return fmt.Errorf("reconcile %s: %w", p.ID, err)
			}
			if rep.Expected != domain.StateInProgress {
				if err := e.Repo.TransitionStatus(ctx, tx, p.ID, []domain.State{domain.StateInProgress}, rep.Expected, p.Version+1, now); err != nil {
					return fmt.Errorf("reconcile %s: %w", p.ID, err)
				}
			}
		default:
			next := p
			next.Status = rep.Expected
			if err := e.Repo.OverwriteLifecycle(ctx, tx, next, now); err != nil {
				return fmt.Errorf("reconcile %s: %w", p.ID, err)
			}
		}
		if err := e.Events.Append(ctx, tx, events.Reconciled, p.ID, "project", p.ID, actorID, events.EventPayload{
			"from":      string(p.Status),
			"to":        string(rep.Expected),
			"ledger_id": *rep.LedgerID,
		}); err != nil {
			return err
		}
		rep.Applied = true
	}
	if rep.LedgerID != nil {
		n, err := e.Repo.ResolveDrift(ctx, tx, p.ID, *rep.LedgerID, now)
		if err != nil {
			return fmt.Errorf("resolve drift: %w", err)
		}
		rep.ResolvedDrift = n
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if rep.Applied {
		e.log().Info("project reconciled", "project_id", p.ID, "from", p.Status, "to", rep.Expected, "ledger_id", *rep.LedgerID)
	}
	return nil
}

// findLock looks for the most recent ledger record carrying the project's
// memo.
func (e Engine) findLock(ctx context.Context, projectID string) (domain.LedgerRecord, bool, error) {
	count, err := e.Ledger.RecordCount(ctx)
	if err != nil {
		return domain.LedgerRecord{}, false, fmt.Errorf("read ledger record count: %w", err)
	}
	return ledger.FindRecord(ctx, e.Ledger.Record, count, e.scanDepth(), ledger.MemoMatcher(domain.Memo(projectID)))
}

func (e Engine) applicationForPayee(ctx context.Context, projectID, payee string) (*domain.Application, error) {
	apps, err := e.Repo.ListApplications(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		u, err := e.Repo.GetUser(ctx, a.FreelancerID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if u.WalletAddress != "" && identity.Equal(u.WalletAddress, payee) {
			return &a, nil
		}
	}
	return nil, nil
}

// otherDrift lists open drift entries of a project that point at a ledger
// record other than ledgerID.
func (e Engine) otherDrift(ctx context.Context, projectID string, ledgerID *uint64) ([]domain.Drift, error) {
	open, err := e.Repo.ListDrift(ctx, projectID, true)
	if err != nil {
		return nil, err
	}
	var res []domain.Drift
	for _, d := range open {
		if d.LedgerID == nil {
			continue
		}
		if ledgerID == nil || *d.LedgerID != *ledgerID {
			res = append(res, d)
		}
	}
	return res, nil
}

func sameLedgerID(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
