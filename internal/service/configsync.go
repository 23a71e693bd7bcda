package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/and161185/citadel/internal/observability/metrics"
	"github.com/and161185/citadel/internal/repository"
)

// PayloadStore keeps content-addressed payload files per group.
type PayloadStore interface {
	Open(groupID int64, sum string) (*os.File, fs.FileInfo, bool, error)
	Write(groupID int64, r io.Reader) (sum string, size int64, err error)
	Prune(groupID int64, keep string) (removed int, err error)
}

// publishStripes bounds the number of per-group publish locks.
const publishStripes = 64

// ConfigSyncService lets agents detect and download group configuration changes.
type ConfigSyncService interface {
	// CheckHash returns the current payload hash of the user's group. ok is false when
	// the user has no group or the group has no payload yet.
	CheckHash(ctx context.Context, userID int64) (hash string, ok bool, err error)
	// FetchPayload returns the group payload. ok is false when there is nothing to serve.
	FetchPayload(ctx context.Context, userID int64) (p model.Payload, ok bool, err error)
	// Publish stores a new payload for the group and records its hash.
	Publish(ctx context.Context, groupID int64, r io.Reader) (hash string, err error)
}

type ConfigSyncServiceImpl struct {
	groups repository.GroupRepository
	store  PayloadStore
	log    *zap.Logger

	// publish, hash update and prune of one group run under the same stripe
	publishMu [publishStripes]sync.Mutex
}

// NewConfigSyncService constructs ConfigSyncService.
func NewConfigSyncService(groups repository.GroupRepository, store PayloadStore, log *zap.Logger) *ConfigSyncServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConfigSyncServiceImpl{groups: groups, store: store, log: log}
}

func (s *ConfigSyncServiceImpl) lockGroup(groupID int64) func() {
	mu := &s.publishMu[uint64(groupID)%publishStripes]
	mu.Lock()
	return mu.Unlock
}

// group resolves the user's group; a user without a group is reported as nil.
func (s *ConfigSyncServiceImpl) group(ctx context.Context, userID int64) (*model.Group, error) {
	if userID <= 0 {
		return nil, errs.ErrUnauthorized
	}
	g, err := s.groups.GetByUserID(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}
	return g, nil
}

// CheckHash never touches the payload file.
func (s *ConfigSyncServiceImpl) CheckHash(ctx context.Context, userID int64) (string, bool, error) {
	g, err := s.group(ctx, userID)
	if err != nil {
		metrics.ConfigRequestsTotal.WithLabelValues("hash", "error").Inc()
		return "", false, err
	}
	if g == nil || g.DataSHA1 == nil || *g.DataSHA1 == "" {
		metrics.ConfigRequestsTotal.WithLabelValues("hash", "empty").Inc()
		return "", false, nil
	}
	metrics.ConfigRequestsTotal.WithLabelValues("hash", "ok").Inc()
	return *g.DataSHA1, true, nil
}

// fetchAttempts covers a republish pruning the file between the group read and the open.
const fetchAttempts = 2

// FetchPayload opens the file named by the group's hash, so the bytes served always
// match the hash they are reported with. A missing or zero-length file is no content.
func (s *ConfigSyncServiceImpl) FetchPayload(ctx context.Context, userID int64) (model.Payload, bool, error) {
	var lastSum string
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		g, err := s.group(ctx, userID)
		if err != nil {
			metrics.ConfigRequestsTotal.WithLabelValues("payload", "error").Inc()
			return model.Payload{}, false, err
		}
		if g == nil || g.DataSHA1 == nil || *g.DataSHA1 == "" || *g.DataSHA1 == lastSum {
			break
		}
		sum := *g.DataSHA1
		f, info, ok, err := s.store.Open(g.ID, sum)
		if err != nil {
			metrics.ConfigRequestsTotal.WithLabelValues("payload", "error").Inc()
			return model.Payload{}, false, fmt.Errorf("open payload: %w", err)
		}
		if ok {
			metrics.ConfigRequestsTotal.WithLabelValues("payload", "ok").Inc()
			return model.Payload{Content: f, Size: info.Size(), ModTime: info.ModTime(), SHA1: sum}, true, nil
		}
		lastSum = sum
	}
	metrics.ConfigRequestsTotal.WithLabelValues("payload", "empty").Inc()
	return model.Payload{}, false, nil
}

// Publish stores the bytes under their digest and then points the group at it. Until the
// hash update commits the group keeps serving its previous file. Superseded files are
// pruned afterwards.
func (s *ConfigSyncServiceImpl) Publish(ctx context.Context, groupID int64, r io.Reader) (string, error) {
	if groupID <= 0 {
		return "", fmt.Errorf("%w: group id", errs.ErrValidation)
	}
	defer s.lockGroup(groupID)()

	sum, size, err := s.store.Write(groupID, r)
	if err != nil {
		return "", fmt.Errorf("store payload: %w", err)
	}
	if size == 0 {
		return "", fmt.Errorf("%w: empty payload", errs.ErrValidation)
	}
	if err := s.groups.SetDataSHA1(ctx, groupID, sum); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// no group row, so nothing can reference these files
			_, _ = s.store.Prune(groupID, "")
		}
		return "", err
	}
	if _, err := s.store.Prune(groupID, sum); err != nil {
		s.log.Warn("prune payloads", zap.Int64("group_id", groupID), zap.Error(err))
	}
	s.log.Info("payload published",
		zap.Int64("group_id", groupID),
		zap.String("sha1", sum),
		zap.Int64("size", size),
	)
	return sum, nil
}
