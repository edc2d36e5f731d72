package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

const applicationColumns = `id,project_id,freelancer_id,COALESCE(cover_letter,''),status,created_at`

func scanApplication(row rowScanner) (domain.Application, error) {
	var a domain.Application
	err := row.Scan(&a.ID, &a.ProjectID, &a.FreelancerID, &a.CoverLetter, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertApplication stores a pending application. A second application by
// the same freelancer for the same project fails with ErrConflict.
func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	if a.Status == "" {
		a.Status = domain.ApplicationPending
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO applications(id,project_id,freelancer_id,cover_letter,status,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.FreelancerID, nullable(a.CoverLetter), a.Status, a.CreatedAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: already applied", ErrConflict)
	}
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return r.GetApplicationTx(ctx, nil, id)
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	return scanApplication(r.q(tx).QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
}

// ListApplications returns a project's applications, oldest first.
func (r Repo) ListApplications(ctx context.Context, projectID string) ([]domain.Application, error) {
	return r.ListApplicationsTx(ctx, nil, projectID)
}

func (r Repo) ListApplicationsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Application, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
