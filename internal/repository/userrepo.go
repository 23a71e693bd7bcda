// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/citadel/internal/model"
)

// UserRepository provides access to user accounts and their role association.
type UserRepository interface {
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id int64) (*model.User, error)
	// GetByEmail loads a user by email.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// RoleName returns the name of the user's role, or "" when none is attached.
	RoleName(ctx context.Context, userID int64) (string, error)
	// SetSingleRole replaces every role of the user with roleID in one transaction.
	SetSingleRole(ctx context.Context, userID, roleID int64) error
	// Delete releases the user's roles and removes the user in one transaction.
	// Deleting a missing user is not an error.
	Delete(ctx context.Context, userID int64) error
}
