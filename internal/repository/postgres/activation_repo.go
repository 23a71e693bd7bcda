package postgres

import (
	"context"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
)

// ActivationRepo implements ActivationRepository using PostgreSQL.
type ActivationRepo struct{ db *DB }

// NewActivationRepo constructs an activation repository.
func NewActivationRepo(db *DB) *ActivationRepo { return &ActivationRepo{db: db} }

// Upsert inserts the activation or refreshes updated_at of the existing row.
func (r *ActivationRepo) Upsert(ctx context.Context, key model.DeviceKey) (*model.AppUserActivation, error) {
	const q = `
INSERT INTO app_user_activations (user_id, identifier, device_id)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, identifier, device_id) DO UPDATE SET updated_at=now()
RETURNING id, created_at, updated_at`
	a := &model.AppUserActivation{DeviceKey: key}
	err := r.db.Pool.QueryRow(ctx, q, key.UserID, key.Identifier, key.DeviceID).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if isForeignKeyViolation(err) {
		return nil, errs.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}
