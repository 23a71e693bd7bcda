package postgres

import (
	"context"
	"errors"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	const q = `
SELECT id, name, email, password, group_id, created_at
FROM users WHERE id=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByEmail selects a user by email, case-insensitively.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	const q = `
SELECT id, name, email, password, group_id, created_at
FROM users WHERE lower(email)=lower($1)`
	return scanUser(r.db.Pool.QueryRow(ctx, q, email))
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PwdHash, &u.GroupID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// RoleName returns the name of the single role attached to the user.
func (r *UserRepo) RoleName(ctx context.Context, userID int64) (string, error) {
	const q = `
SELECT r.name
FROM role_user ru JOIN roles r ON r.id = ru.role_id
WHERE ru.user_id=$1
ORDER BY r.id ASC
LIMIT 1`
	var name string
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return name, nil
}

// SetSingleRole detaches all roles and attaches roleID while holding the user row lock,
// so no reader ever observes the user with zero or two roles.
func (r *UserRepo) SetSingleRole(ctx context.Context, userID, roleID int64) error {
	const lock = `SELECT id FROM users WHERE id=$1 FOR UPDATE`
	const detach = `DELETE FROM role_user WHERE user_id=$1`
	const attach = `INSERT INTO role_user (user_id, role_id) VALUES ($1, $2)`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, lock, userID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if _, err := tx.Exec(ctx, detach, userID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, attach, userID, roleID); err != nil {
			if isForeignKeyViolation(err) {
				return errs.ErrNotFound
			}
			return err
		}
		return nil
	})
}

// Delete releases role associations and removes the user. Deactivation requests and
// activations go with it through ON DELETE CASCADE.
func (r *UserRepo) Delete(ctx context.Context, userID int64) error {
	const detach = `DELETE FROM role_user WHERE user_id=$1`
	const del = `DELETE FROM users WHERE id=$1`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, detach, userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, del, userID)
		return err
	})
}
