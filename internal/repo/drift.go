package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

func (r Repo) InsertDrift(ctx context.Context, d domain.Drift) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO drift(id,project_id,operation,ledger_id,tx_hash,cause,detected_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Operation, nullableUint64Ptr(d.LedgerID), nullable(d.TxHash), d.Cause, d.DetectedAt)
	return err
}

// ListDrift returns journaled drift, newest first.
func (r Repo) ListDrift(ctx context.Context, projectID string, unresolvedOnly bool) ([]domain.Drift, error) {
	query := `SELECT id,project_id,operation,ledger_id,COALESCE(tx_hash,''),cause,detected_at,resolved_at FROM drift WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Drift
	for rows.Next() {
		var d domain.Drift
		var ledgerID sql.NullInt64
		var resolved sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Operation, &ledgerID, &d.TxHash, &d.Cause, &d.DetectedAt, &resolved); err != nil {
			return nil, err
		}
		if ledgerID.Valid {
			id := uint64(ledgerID.Int64)
			d.LedgerID = &id
		}
		if resolved.Valid {
			d.ResolvedAt = &resolved.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ResolveDrift marks a project's open drift entries for ledgerID, and those
// with no ledger id, as resolved. Entries for other ledger records stay open.
func (r Repo) ResolveDrift(ctx context.Context, tx *sql.Tx, projectID string, ledgerID uint64, now string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE drift SET resolved_at=?
WHERE project_id=? AND resolved_at IS NULL AND (ledger_id IS NULL OR ledger_id=?)`, now, projectID, int64(ledgerID))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
