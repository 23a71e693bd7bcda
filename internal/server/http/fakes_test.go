package httpserver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/and161185/citadel/internal/service"
)

const (
	agentToken = "agent-token"
	adminToken = "admin-token"
)

type fakeAuth struct {
	mu       sync.Mutex
	loginErr error
	lastIP   string
	roles    map[int64]string // overrides the default roles when set
	roleErr  error
}

var _ service.AuthService = (*fakeAuth)(nil)

func (f *fakeAuth) Login(_ context.Context, email, password, ip string) (model.Tokens, model.Identity, error) {
	f.lastIP = ip
	if f.loginErr != nil {
		return model.Tokens{}, model.Identity{}, f.loginErr
	}
	if email != "alice@example.com" || password != "pw" {
		return model.Tokens{}, model.Identity{}, errs.ErrUnauthorized
	}
	return model.Tokens{AccessToken: agentToken, ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)},
		model.Identity{UserID: 7, Role: "agent"}, nil
}

func (f *fakeAuth) ParseToken(token string) (model.Identity, error) {
	switch token {
	case agentToken:
		return model.Identity{UserID: 7, Role: "agent"}, nil
	case adminToken:
		return model.Identity{UserID: 1, Role: model.RoleAdmin}, nil
	}
	return model.Identity{}, errs.ErrUnauthorized
}

func (f *fakeAuth) CurrentRole(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleErr != nil {
		return "", f.roleErr
	}
	if f.roles != nil {
		role, ok := f.roles[userID]
		if !ok {
			return "", errs.ErrUnauthorized
		}
		return role, nil
	}
	if userID == 1 {
		return model.RoleAdmin, nil
	}
	return "agent", nil
}

func (f *fakeAuth) setRoles(roles map[int64]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = roles
}

type pollCall struct {
	UserID             int64
	Identifier, Device string
}

type fakeDeactivation struct {
	mu      sync.Mutex
	status  model.DeactivationStatus
	err     error
	calls   []pollCall
	granted []int64
	pending []model.DeactivationRequest
}

var _ service.DeactivationService = (*fakeDeactivation)(nil)

func (f *fakeDeactivation) RequestOrCheck(_ context.Context, userID int64, identifier, deviceID string) (model.DeactivationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pollCall{userID, identifier, deviceID})
	if identifier == "" || deviceID == "" {
		return model.DeactivationPending, errs.ErrValidation
	}
	return f.status, f.err
}

func (f *fakeDeactivation) Activate(_ context.Context, userID int64, identifier, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pollCall{userID, identifier, deviceID})
	if identifier == "" || deviceID == "" {
		return errs.ErrValidation
	}
	return f.err
}

func (f *fakeDeactivation) Grant(_ context.Context, requestID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if requestID == 404 {
		return errs.ErrNotFound
	}
	f.granted = append(f.granted, requestID)
	return nil
}

func (f *fakeDeactivation) ListPending(context.Context) ([]model.DeactivationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.err
}

type fakeConfig struct {
	hash       string
	payload    []byte
	dir        string
	published  []byte
	publishErr error
	err        error
}

var _ service.ConfigSyncService = (*fakeConfig)(nil)

func (f *fakeConfig) CheckHash(context.Context, int64) (string, bool, error) {
	return f.hash, f.hash != "", f.err
}

func (f *fakeConfig) FetchPayload(context.Context, int64) (model.Payload, bool, error) {
	if f.err != nil || len(f.payload) == 0 {
		return model.Payload{}, false, f.err
	}
	path := filepath.Join(f.dir, "payload.bin")
	if err := os.WriteFile(path, f.payload, 0o600); err != nil {
		return model.Payload{}, false, err
	}
	file, err := os.Open(path)
	if err != nil {
		return model.Payload{}, false, err
	}
	return model.Payload{
		Content: file,
		Size:    int64(len(f.payload)),
		ModTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		SHA1:    f.hash,
	}, true, nil
}

func (f *fakeConfig) Publish(_ context.Context, _ int64, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if f.publishErr != nil {
		return "", f.publishErr
	}
	if len(b) == 0 {
		return "", errs.ErrValidation
	}
	f.published = b
	return "abc123", nil
}

type fakeAdmin struct {
	assigned map[int64]int64
	deleted  []int64
}

var _ service.AdminService = (*fakeAdmin)(nil)

func (f *fakeAdmin) AssignRole(_ context.Context, userID, roleID int64) error {
	if roleID == 99 {
		return errs.ErrNotFound
	}
	if f.assigned == nil {
		f.assigned = map[int64]int64{}
	}
	f.assigned[userID] = roleID
	return nil
}

func (f *fakeAdmin) DeleteUser(_ context.Context, userID int64) error {
	f.deleted = append(f.deleted, userID)
	return nil
}
