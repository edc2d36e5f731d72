package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
)

// ensureTransition checks the acting party and current state against the
// transition table.
func ensureTransition(p domain.Project, op domain.Op, userID string) (domain.Transition, error) {
	tr, ok := domain.Transitions[op]
	if !ok {
		return tr, fmt.Errorf("unknown lifecycle operation %q", op)
	}
	if party := domain.PartyOf(p, userID); party != tr.Actor {
		return tr, guard(op, "actor %s is not the project %s", userID, tr.Actor)
	}
	if !tr.Permits(p.Status) {
		return tr, guard(op, "project %s is %s, want one of %v", p.ID, p.Status, tr.From)
	}
	return tr, nil
}

// requireIdentity fails unless sc resolves to the stored address of u.
func (e Engine) requireIdentity(ctx context.Context, op domain.Op, u domain.User, sc identity.SigningContext) error {
	res, err := identity.Verify(ctx, u.WalletAddress, sc)
	if err != nil {
		return fmt.Errorf("%s: verify identity of %s: %w", op, u.ID, err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Hire locks the project budget for the applicant and, once the ledger
// confirms, records the assignment. A failed lock leaves every record as it
// was; competing applicants are rejected only after confirmation.
func (e Engine) Hire(ctx context.Context, projectID, applicationID string, actor Actor) (p domain.Project, err error) {
	op := domain.OpHire
	defer func() { e.Metrics.Transition(string(op), outcomeOf(err)) }()

	p, err = e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if _, err = ensureTransition(p, op, actor.UserID); err != nil {
		return p, err
	}
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return p, err
	}
	if app.ProjectID != p.ID {
		return p, guard(op, "application %s does not belong to project %s", app.ID, p.ID)
	}
	if app.Status != domain.ApplicationPending {
		return p, guard(op, "application %s is %s, not pending", app.ID, app.Status)
	}
	applicant, err := e.Repo.GetUser(ctx, app.FreelancerID)
	if err != nil {
		return p, err
	}
	if applicant.WalletAddress == "" {
		return p, guard(op, "applicant %s has no stored wallet address", applicant.ID)
	}
	if !identity.IsHexAddress(applicant.WalletAddress) {
		return p, guard(op, "applicant %s has an invalid wallet address %q", applicant.ID, applicant.WalletAddress)
	}
	owner, err := e.Repo.GetUser(ctx, p.OwnerID)
	if err != nil {
		return p, err
	}
	if err = e.requireIdentity(ctx, op, owner, actor.Signer); err != nil {
		return p, err
	}
	amount, err := ledger.ParseWei(p.BudgetWei)
	if err != nil {
		return p, fmt.Errorf("project %s budget: %w", p.ID, err)
	}

	rcpt, err := e.submit(ctx, op, func(ctx context.Context) (ledger.Receipt, error) {
		return e.Ledger.LockFunds(ctx, actor.Signer, applicant.WalletAddress, amount, domain.Memo(p.ID))
	})
	if err != nil {
		return p, fmt.Errorf("hire %s: %w", p.ID, err)
	}

	now := e.stamp()
	err = e.commit(ctx, op, p, rcpt, func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.ApplyHire(ctx, tx, repoHire(p, app, rcpt, now)); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ProjectHired, p.ID, "project", p.ID, actor.UserID, events.EventPayload{
			"application_id": app.ID,
			"freelancer_id":  app.FreelancerID,
			"ledger_id":      rcpt.LedgerID,
			"tx_hash":        rcpt.TxHash,
			"amount_wei":     p.BudgetWei,
		})
	})
	if err != nil {
		return p, err
	}
	freelancerID := app.FreelancerID
	ledgerID := rcpt.LedgerID
	p.Status = domain.StateInProgress
	p.FreelancerID = &freelancerID
	p.LedgerID = &ledgerID
	p.Version++
	p.UpdatedAt = now
	e.log().Info("project hired", "project_id", p.ID, "application_id", app.ID, "ledger_id", ledgerID, "tx_hash", rcpt.TxHash)
	return p, nil
}

// MarkComplete flags the work as done on the ledger and mirrors the flag as
// the completed state.
func (e Engine) MarkComplete(ctx context.Context, projectID string, actor Actor) (domain.Project, error) {
	return e.ledgerTransition(ctx, domain.OpMarkComplete, projectID, actor, events.WorkCompleted,
		func(ctx context.Context, id uint64) (ledger.Receipt, error) {
			return e.Ledger.MarkWorkComplete(ctx, actor.Signer, id)
		})
}

// Finalize releases the escrowed funds to the freelancer. The ledger rejects
// the release until the work is marked complete, whatever the record says.
func (e Engine) Finalize(ctx context.Context, projectID string, actor Actor) (domain.Project, error) {
	return e.ledgerTransition(ctx, domain.OpFinalize, projectID, actor, events.FundsReleased,
		func(ctx context.Context, id uint64) (ledger.Receipt, error) {
			return e.Ledger.ReleaseFunds(ctx, actor.Signer, id)
		})
}

// ledgerTransition runs a transition on a project that already has a ledger
// record: guard, identity, ledger call, then a conditional status write.
func (e Engine) ledgerTransition(ctx context.Context, op domain.Op, projectID string, actor Actor, evtType string, call func(context.Context, uint64) (ledger.Receipt, error)) (p domain.Project, err error) {
	defer func() { e.Metrics.Transition(string(op), outcomeOf(err)) }()

	p, err = e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	tr, err := ensureTransition(p, op, actor.UserID)
	if err != nil {
		return p, err
	}
	if p.LedgerID == nil {
		return p, guard(op, "project %s has no ledger record", p.ID)
	}
	signerID := p.OwnerID
	if tr.Actor == domain.PartyFreelancer {
		signerID = *p.FreelancerID
	}
	u, err := e.Repo.GetUser(ctx, signerID)
	if err != nil {
		return p, err
	}
	if err = e.requireIdentity(ctx, op, u, actor.Signer); err != nil {
		return p, err
	}

	ledgerID := *p.LedgerID
	rcpt, err := e.submit(ctx, op, func(ctx context.Context) (ledger.Receipt, error) {
		return call(ctx, ledgerID)
	})
	if err != nil {
		return p, fmt.Errorf("%s %s: %w", op, p.ID, err)
	}
	if rcpt.LedgerID == 0 {
		rcpt.LedgerID = ledgerID
	}

	now := e.stamp()
	err = e.commit(ctx, op, p, rcpt, func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.TransitionStatus(ctx, tx, p.ID, tr.From, tr.To, p.Version, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, evtType, p.ID, "project", p.ID, actor.UserID, events.EventPayload{
			"from":      string(p.Status),
			"to":        string(tr.To),
			"ledger_id": ledgerID,
			"tx_hash":   rcpt.TxHash,
		})
	})
	if err != nil {
		return p, err
	}
	p.Status = tr.To
	p.Version++
	p.UpdatedAt = now
	e.log().Info("project transitioned", "op", op, "project_id", p.ID, "status", p.Status, "ledger_id", ledgerID, "tx_hash", rcpt.TxHash)
	return p, nil
}

// submit runs a ledger call and records how long confirmation took.
func (e Engine) submit(ctx context.Context, op domain.Op, call func(context.Context) (ledger.Receipt, error)) (ledger.Receipt, error) {
	if e.Ledger == nil {
		return ledger.Receipt{}, fmt.Errorf("%s: no ledger configured", op)
	}
	start := e.now()
	rcpt, err := call(ctx)
	if err != nil {
		e.log().Warn("ledger call failed", "op", op, "err", err)
		return rcpt, err
	}
	e.Metrics.Confirmed(string(op), e.now().Sub(start))
	return rcpt, nil
}

// commit writes the record half of a confirmed transition in one
// transaction. Any failure here is drift.
func (e Engine) commit(ctx context.Context, op domain.Op, p domain.Project, rcpt ledger.Receipt, write func(context.Context, *sql.Tx) error) error {
	// The ledger has committed; finish the record write even if the caller
	// has gone away.
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return e.drift(ctx, op, p, rcpt, fmt.Errorf("begin: %w", err))
	}
	if err := write(ctx, tx); err != nil {
		// Release the write lock before journaling on another connection.
		_ = tx.Rollback()
		return e.drift(ctx, op, p, rcpt, err)
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return e.drift(ctx, op, p, rcpt, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// drift reports a post-confirmation write failure: logged, counted and
// journaled best-effort.
func (e Engine) drift(ctx context.Context, op domain.Op, p domain.Project, rcpt ledger.Receipt, cause error) error {
	de := &DriftError{Op: op, ProjectID: p.ID, LedgerID: rcpt.LedgerID, TxHash: rcpt.TxHash, Cause: cause}
	e.log().Error("state drift", "op", op, "project_id", p.ID, "ledger_id", rcpt.LedgerID, "tx_hash", rcpt.TxHash, "err", cause)
	e.Metrics.Drift(string(op))

	var lid *uint64
	if rcpt.LedgerID != 0 {
		id := rcpt.LedgerID
		lid = &id
	}
	now := e.now().UTC()
	if err := e.Repo.InsertDrift(ctx, domain.Drift{
		ID:         uuid.NewString(),
		ProjectID:  p.ID,
		Operation:  string(op),
		LedgerID:   lid,
		TxHash:     rcpt.TxHash,
		Cause:      cause.Error(),
		DetectedAt: now.Format(time.RFC3339Nano),
	}); err != nil {
		e.log().Error("journal drift", "project_id", p.ID, "err", err)
	}
	if err := e.Events.AppendStandalone(ctx, events.StateDrift, p.ID, "project", p.ID, "system", events.EventPayload{
		"operation": string(op),
		"ledger_id": rcpt.LedgerID,
		"tx_hash":   rcpt.TxHash,
		"cause":     cause.Error(),
	}); err != nil {
		e.log().Error("append drift event", "project_id", p.ID, "err", err)
	}
	return de
}

func repoHire(p domain.Project, app domain.Application, rcpt ledger.Receipt, now string) repo.HireWrite {
	return repo.HireWrite{
		ProjectID:       p.ID,
		ExpectedVersion: p.Version,
		ApplicationID:   app.ID,
		FreelancerID:    app.FreelancerID,
		LedgerID:        rcpt.LedgerID,
		Now:             now,
	}
}
