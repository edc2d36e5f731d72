package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

const projectColumns = `id,owner_id,freelancer_id,title,COALESCE(description,''),budget_wei,status,ledger_id,version,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var freelancer sql.NullString
	var ledgerID sql.NullInt64
	var status string
	err := row.Scan(&p.ID, &p.OwnerID, &freelancer, &p.Title, &p.Description, &p.BudgetWei, &status, &ledgerID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.State(status)
	if freelancer.Valid {
		p.FreelancerID = &freelancer.String
	}
	if ledgerID.Valid {
		id := uint64(ledgerID.Int64)
		p.LedgerID = &id
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	if err := domain.CheckInvariants(p); err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,owner_id,freelancer_id,title,description,budget_wei,status,ledger_id,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, nullableStringPtr(p.FreelancerID), p.Title, nullable(p.Description), p.BudgetWei, string(p.Status),
		nullableUint64Ptr(p.LedgerID), p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

type ProjectFilters struct {
	Status       string
	OwnerID      string
	FreelancerID string
	Limit        int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.FreelancerID != "" {
		clauses = append(clauses, "freelancer_id=?")
		args = append(args, f.FreelancerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// HireWrite is the off-chain half of a confirmed hire.
type HireWrite struct {
	ProjectID       string
	ExpectedVersion int64
	ApplicationID   string
	FreelancerID    string
	LedgerID        uint64
	Now             string
}

// ApplyHire moves an open project to in_progress and settles its
// applications. Every statement is conditional on the state the guard saw,
// so a concurrent writer makes this fail with ErrConflict instead of
// overwriting.
func (r Repo) ApplyHire(ctx context.Context, tx *sql.Tx, w HireWrite) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, freelancer_id=?, ledger_id=?, version=version+1, updated_at=?
WHERE id=? AND status=? AND version=?`,
		string(domain.StateInProgress), w.FreelancerID, int64(w.LedgerID), w.Now,
		w.ProjectID, string(domain.StateOpen), w.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s is no longer open at version %d", ErrConflict, w.ProjectID, w.ExpectedVersion)
	}
	res, err = tx.ExecContext(ctx, `UPDATE applications SET status=? WHERE id=? AND project_id=? AND status=?`,
		domain.ApplicationAccepted, w.ApplicationID, w.ProjectID, domain.ApplicationPending)
	if err != nil {
		return fmt.Errorf("accept application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: application %s is no longer pending", ErrConflict, w.ApplicationID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE applications SET status=? WHERE project_id=? AND id<>? AND status<>?`,
		domain.ApplicationRejected, w.ProjectID, w.ApplicationID, domain.ApplicationRejected); err != nil {
		return fmt.Errorf("reject siblings: %w", err)
	}
	return nil
}

// TransitionStatus moves a project from one of the given states to `to`,
// conditional on version.
func (r Repo) TransitionStatus(ctx context.Context, tx *sql.Tx, id string, from []domain.State, to domain.State, expectedVersion int64, now string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition %s: no source states", to)
	}
	placeholders := make([]string, len(from))
	args := []any{string(to), now, id, expectedVersion}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s changed before %s could be recorded", ErrConflict, id, to)
	}
	return nil
}

// OverwriteLifecycle writes a ledger-derived state unconditionally except
// for the version check. Only the reconciler uses it.
func (r Repo) OverwriteLifecycle(ctx context.Context, tx *sql.Tx, p domain.Project, now string) error {
	if err := domain.CheckInvariants(p); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, freelancer_id=?, ledger_id=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		string(p.Status), nullableStringPtr(p.FreelancerID), nullableUint64Ptr(p.LedgerID), now, p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("overwrite project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s changed during reconciliation", ErrConflict, p.ID)
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=? AND status=?`, id, string(domain.StateOpen))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s missing or not open", ErrConflict, id)
	}
	return nil
}

// MaxLedgerID returns the highest ledger id referenced by a project or a
// drift entry, or 0 when none is.
func (r Repo) MaxLedgerID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM (
		SELECT ledger_id AS id FROM projects WHERE ledger_id IS NOT NULL
		UNION ALL
		SELECT ledger_id AS id FROM drift WHERE ledger_id IS NOT NULL)`).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, nil
	}
	return uint64(max.Int64), nil
}
