package repo

import (
	"context"
	"database/sql"

	"remedy/internal/domain"
)

func (r Repo) UpsertLeaseTx(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leases(request_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(request_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.RequestID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

func (r Repo) DeleteLeaseTx(ctx context.Context, tx *sql.Tx, requestID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE request_id=?`, requestID)
	return err
}

func (r Repo) GetLease(ctx context.Context, requestID string) (domain.Lease, error) {
	var l domain.Lease
	err := r.DB.QueryRowContext(ctx, `SELECT request_id,owner_id,acquired_at,expires_at FROM leases WHERE request_id=?`, requestID).
		Scan(&l.RequestID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, requestID string) (domain.Lease, error) {
	var l domain.Lease
	err := tx.QueryRowContext(ctx, `SELECT request_id,owner_id,acquired_at,expires_at FROM leases WHERE request_id=?`, requestID).
		Scan(&l.RequestID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// ExpiredLeases lists leases whose deadline passed, oldest first. RFC3339
// strings compare lexicographically so string comparison is safe here.
func (r Repo) ExpiredLeases(ctx context.Context, now string, limit int) ([]domain.Lease, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT request_id,owner_id,acquired_at,expires_at FROM leases WHERE expires_at < ? ORDER BY expires_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lease
	for rows.Next() {
		var l domain.Lease
		if err := rows.Scan(&l.RequestID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// NextQueued returns the oldest QUEUED request, for the dispatcher to claim.
func (r Repo) NextQueued(ctx context.Context) (domain.Remediation, error) {
	return scanRemediation(r.DB.QueryRowContext(ctx,
		`SELECT `+remediationColumns+` FROM remediations WHERE status=? ORDER BY created_at ASC, id ASC LIMIT 1`, domain.StatusQueued))
}
