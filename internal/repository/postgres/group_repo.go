package postgres

import (
	"context"
	"errors"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/jackc/pgx/v5"
)

// GroupRepo implements GroupRepository using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

// GetByUserID selects the group the user belongs to.
func (r *GroupRepo) GetByUserID(ctx context.Context, userID int64) (*model.Group, error) {
	const q = `
SELECT g.id, g.name, g.data_sha1, g.updated_at
FROM users u JOIN groups g ON g.id = u.group_id
WHERE u.id=$1`
	var g model.Group
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&g.ID, &g.Name, &g.DataSHA1, &g.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// SetDataSHA1 stores the content hash of the group's current payload.
func (r *GroupRepo) SetDataSHA1(ctx context.Context, groupID int64, sha1 string) error {
	const q = `UPDATE groups SET data_sha1=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, groupID, sha1)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
