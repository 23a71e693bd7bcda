package repository

import (
	"context"
	"time"

	"github.com/and161185/citadel/internal/model"
)

// DeactivationRepository stores deactivation requests and consumes granted ones.
type DeactivationRepository interface {
	// FindOrCreate returns the live request for key, creating it atomically when absent.
	// created reports whether this call inserted the row.
	FindOrCreate(ctx context.Context, key model.DeviceKey) (req *model.DeactivationRequest, created bool, err error)
	// ConsumeGranted deletes the request only if it is still granted and, in the same
	// transaction, deletes every activation for key. consumed is false when the request
	// was not granted (or already gone) at the time of the delete.
	ConsumeGranted(ctx context.Context, requestID int64, key model.DeviceKey) (consumed bool, activations int64, err error)
	// Grant marks a request granted. ErrNotFound when it does not exist.
	Grant(ctx context.Context, requestID int64) error
	// ListPending returns all not-yet-granted requests, oldest first.
	ListPending(ctx context.Context) ([]model.DeactivationRequest, error)
	// Unnotified returns up to limit live requests created before the cutoff whose
	// owner has not been notified yet, oldest first.
	Unnotified(ctx context.Context, createdBefore time.Time, limit int) ([]model.DeactivationRequest, error)
	// MarkNotified records that the owner was notified. A request that is already gone
	// is not an error.
	MarkNotified(ctx context.Context, requestID int64) error
}
