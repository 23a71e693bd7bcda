package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/repository"
)

// AdminService groups account management operations.
type AdminService interface {
	// AssignRole makes roleID the only role of the user.
	AssignRole(ctx context.Context, userID, roleID int64) error
	// DeleteUser removes the user and releases its roles. Missing users are ignored.
	DeleteUser(ctx context.Context, userID int64) error
}

type AdminServiceImpl struct {
	users repository.UserRepository
	log   *zap.Logger
}

// NewAdminService constructs AdminService.
func NewAdminService(users repository.UserRepository, log *zap.Logger) *AdminServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminServiceImpl{users: users, log: log}
}

// AssignRole delegates to the single transactional repository call.
func (s *AdminServiceImpl) AssignRole(ctx context.Context, userID, roleID int64) error {
	if userID <= 0 || roleID <= 0 {
		return fmt.Errorf("%w: user id and role id are required", errs.ErrValidation)
	}
	if err := s.users.SetSingleRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.log.Info("role assigned", zap.Int64("user_id", userID), zap.Int64("role_id", roleID))
	return nil
}

// DeleteUser is idempotent.
func (s *AdminServiceImpl) DeleteUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id", errs.ErrValidation)
	}
	if err := s.users.Delete(ctx, userID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	s.log.Info("user deleted", zap.Int64("user_id", userID))
	return nil
}
