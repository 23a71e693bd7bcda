package repository

import (
	"context"

	"github.com/and161185/citadel/internal/model"
)

// ActivationRepository records agent installations.
type ActivationRepository interface {
	// Upsert records an activation for key; repeated calls refresh updated_at.
	Upsert(ctx context.Context, key model.DeviceKey) (*model.AppUserActivation, error)
}
