package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/and161185/citadel/internal/observability/metrics"
	"github.com/and161185/citadel/internal/repository"
)

// maxKeyLen bounds identifier and device id values accepted from agents.
const maxKeyLen = 255

// DeactivationNotifier receives freshly created deactivation requests.
// Implementations must not block.
type DeactivationNotifier interface {
	DeactivationRequested(req model.DeactivationRequest)
}

// DeactivationService drives the agent uninstall approval protocol.
type DeactivationService interface {
	// RequestOrCheck creates the request on the first poll and reports its status on
	// every poll. A granted request is consumed exactly once together with the
	// matching activations.
	RequestOrCheck(ctx context.Context, userID int64, identifier, deviceID string) (model.DeactivationStatus, error)
	// Activate records an agent installation.
	Activate(ctx context.Context, userID int64, identifier, deviceID string) error
	// Grant approves a pending request.
	Grant(ctx context.Context, requestID int64) error
	// ListPending returns requests waiting for approval.
	ListPending(ctx context.Context) ([]model.DeactivationRequest, error)
}

type DeactivationServiceImpl struct {
	requests    repository.DeactivationRepository
	activations repository.ActivationRepository
	notifier    DeactivationNotifier
	log         *zap.Logger
}

// NewDeactivationService constructs DeactivationService. notifier may be nil.
func NewDeactivationService(
	requests repository.DeactivationRepository,
	activations repository.ActivationRepository,
	notifier DeactivationNotifier,
	log *zap.Logger,
) *DeactivationServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeactivationServiceImpl{requests: requests, activations: activations, notifier: notifier, log: log}
}

// deviceKey validates the agent-supplied parts of the key.
func deviceKey(userID int64, identifier, deviceID string) (model.DeviceKey, error) {
	if userID <= 0 {
		return model.DeviceKey{}, errs.ErrUnauthorized
	}
	identifier = strings.TrimSpace(identifier)
	deviceID = strings.TrimSpace(deviceID)
	switch {
	case identifier == "":
		return model.DeviceKey{}, fmt.Errorf("%w: identifier is required", errs.ErrValidation)
	case deviceID == "":
		return model.DeviceKey{}, fmt.Errorf("%w: device_id is required", errs.ErrValidation)
	case len(identifier) > maxKeyLen || len(deviceID) > maxKeyLen:
		return model.DeviceKey{}, fmt.Errorf("%w: identifier/device_id too long", errs.ErrValidation)
	}
	return model.DeviceKey{UserID: userID, Identifier: identifier, DeviceID: deviceID}, nil
}

// RequestOrCheck implements one agent poll.
func (s *DeactivationServiceImpl) RequestOrCheck(
	ctx context.Context, userID int64, identifier, deviceID string,
) (model.DeactivationStatus, error) {
	key, err := deviceKey(userID, identifier, deviceID)
	if err != nil {
		return model.DeactivationPending, err
	}

	req, created, err := s.requests.FindOrCreate(ctx, key)
	if err != nil {
		metrics.DeactivationPollsTotal.WithLabelValues("error").Inc()
		return model.DeactivationPending, fmt.Errorf("find or create request: %w", err)
	}
	if created {
		metrics.DeactivationPollsTotal.WithLabelValues("created").Inc()
		s.log.Info("deactivation requested",
			zap.Int64("request_id", req.ID),
			zap.Int64("user_id", key.UserID),
			zap.String("identifier", key.Identifier),
			zap.String("device_id", key.DeviceID),
		)
		if s.notifier != nil {
			s.notifier.DeactivationRequested(*req)
		}
		return model.DeactivationPending, nil
	}
	if !req.Granted {
		metrics.DeactivationPollsTotal.WithLabelValues("pending").Inc()
		return model.DeactivationPending, nil
	}

	consumed, n, err := s.requests.ConsumeGranted(ctx, req.ID, key)
	if err != nil {
		metrics.DeactivationPollsTotal.WithLabelValues("error").Inc()
		return model.DeactivationPending, fmt.Errorf("consume request: %w", err)
	}
	if !consumed {
		// a concurrent poll consumed it first
		metrics.DeactivationPollsTotal.WithLabelValues("pending").Inc()
		return model.DeactivationPending, nil
	}
	metrics.DeactivationPollsTotal.WithLabelValues("approved").Inc()
	s.log.Info("deactivation approved",
		zap.Int64("request_id", req.ID),
		zap.Int64("user_id", key.UserID),
		zap.Int64("activations_removed", n),
	)
	return model.DeactivationApproved, nil
}

// Activate records or refreshes the activation of the device.
func (s *DeactivationServiceImpl) Activate(ctx context.Context, userID int64, identifier, deviceID string) error {
	key, err := deviceKey(userID, identifier, deviceID)
	if err != nil {
		return err
	}
	if _, err := s.activations.Upsert(ctx, key); err != nil {
		return fmt.Errorf("record activation: %w", err)
	}
	return nil
}

// Grant flips the request to granted. The next agent poll consumes it.
func (s *DeactivationServiceImpl) Grant(ctx context.Context, requestID int64) error {
	if requestID <= 0 {
		return fmt.Errorf("%w: request id", errs.ErrValidation)
	}
	if err := s.requests.Grant(ctx, requestID); err != nil {
		return err
	}
	s.log.Info("deactivation granted", zap.Int64("request_id", requestID))
	return nil
}

// ListPending returns pending requests, oldest first.
func (s *DeactivationServiceImpl) ListPending(ctx context.Context) ([]model.DeactivationRequest, error) {
	out, err := s.requests.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.DeactivationRequest{}
	}
	return out, nil
}
