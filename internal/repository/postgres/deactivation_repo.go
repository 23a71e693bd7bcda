package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/jackc/pgx/v5"
)

// findOrCreateAttempts bounds the insert/select loop when a row vanishes in between.
const findOrCreateAttempts = 3

// DeactivationRepo implements DeactivationRepository using PostgreSQL.
type DeactivationRepo struct{ db *DB }

// NewDeactivationRepo constructs a deactivation request repository.
func NewDeactivationRepo(db *DB) *DeactivationRepo { return &DeactivationRepo{db: db} }

// FindOrCreate relies on the unique index over (user_id, identifier, device_id):
// concurrent first polls race on the insert and exactly one of them gets the row back.
func (r *DeactivationRepo) FindOrCreate(
	ctx context.Context, key model.DeviceKey,
) (*model.DeactivationRequest, bool, error) {
	const ins = `
INSERT INTO deactivation_requests (user_id, identifier, device_id)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, identifier, device_id) DO NOTHING
RETURNING id, granted, created_at, updated_at`
	const sel = `
SELECT id, granted, created_at, updated_at
FROM deactivation_requests
WHERE user_id=$1 AND identifier=$2 AND device_id=$3`

	for attempt := 0; attempt < findOrCreateAttempts; attempt++ {
		req := &model.DeactivationRequest{DeviceKey: key}

		err := r.db.Pool.QueryRow(ctx, ins, key.UserID, key.Identifier, key.DeviceID).
			Scan(&req.ID, &req.Granted, &req.CreatedAt, &req.UpdatedAt)
		switch {
		case err == nil:
			return req, true, nil
		case isForeignKeyViolation(err):
			return nil, false, errs.ErrUnauthorized
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, false, err
		}

		// Conflict: somebody else owns the row.
		err = r.db.Pool.QueryRow(ctx, sel, key.UserID, key.Identifier, key.DeviceID).
			Scan(&req.ID, &req.Granted, &req.CreatedAt, &req.UpdatedAt)
		switch {
		case err == nil:
			return req, false, nil
		case errors.Is(err, pgx.ErrNoRows):
			// consumed between our insert and select; try again
			continue
		default:
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("find or create deactivation request: %w", errs.ErrVersionConflict)
}

// ConsumeGranted deletes the request and the matching activations as one unit of work.
func (r *DeactivationRepo) ConsumeGranted(
	ctx context.Context, requestID int64, key model.DeviceKey,
) (consumed bool, activations int64, err error) {
	const delReq = `
DELETE FROM deactivation_requests
WHERE id=$1 AND user_id=$2 AND identifier=$3 AND device_id=$4 AND granted`
	const delAct = `
DELETE FROM app_user_activations
WHERE user_id=$1 AND identifier=$2 AND device_id=$3`

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, delReq, requestID, key.UserID, key.Identifier, key.DeviceID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		tag, err = tx.Exec(ctx, delAct, key.UserID, key.Identifier, key.DeviceID)
		if err != nil {
			return err
		}
		consumed, activations = true, tag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return consumed, activations, nil
}

// Grant flips the granted flag of an existing request.
func (r *DeactivationRepo) Grant(ctx context.Context, requestID int64) error {
	const q = `UPDATE deactivation_requests SET granted=true, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListPending returns requests still waiting for a grant.
func (r *DeactivationRepo) ListPending(ctx context.Context) ([]model.DeactivationRequest, error) {
	const q = `
SELECT id, user_id, identifier, device_id, granted, created_at, updated_at
FROM deactivation_requests
WHERE NOT granted
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

// Unnotified returns requests still owed a notification.
func (r *DeactivationRepo) Unnotified(
	ctx context.Context, createdBefore time.Time, limit int,
) ([]model.DeactivationRequest, error) {
	const q = `
SELECT id, user_id, identifier, device_id, granted, created_at, updated_at
FROM deactivation_requests
WHERE notified_at IS NULL AND created_at < $1
ORDER BY created_at ASC, id ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

// MarkNotified stamps notified_at once; later calls keep the first stamp.
func (r *DeactivationRepo) MarkNotified(ctx context.Context, requestID int64) error {
	const q = `UPDATE deactivation_requests SET notified_at=now() WHERE id=$1 AND notified_at IS NULL`
	_, err := r.db.Pool.Exec(ctx, q, requestID)
	return err
}

func scanRequests(rows pgx.Rows) ([]model.DeactivationRequest, error) {
	defer rows.Close()

	var out []model.DeactivationRequest
	for rows.Next() {
		var d model.DeactivationRequest
		if err := rows.Scan(&d.ID, &d.UserID, &d.Identifier, &d.DeviceID, &d.Granted, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
