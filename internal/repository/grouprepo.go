package repository

import (
	"context"

	"github.com/and161185/citadel/internal/model"
)

// GroupRepository provides access to groups and their payload hash.
type GroupRepository interface {
	// GetByUserID resolves the group of the user. ErrNotFound when the user has no group.
	GetByUserID(ctx context.Context, userID int64) (*model.Group, error)
	// SetDataSHA1 records the hash of a freshly published payload.
	SetDataSHA1(ctx context.Context, groupID int64, sha1 string) error
}
