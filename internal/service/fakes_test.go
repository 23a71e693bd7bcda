package service

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/limiter"
	"github.com/and161185/citadel/internal/model"
	"github.com/and161185/citadel/internal/repository"
)

type fakeUsers struct {
	mu      sync.Mutex
	byEmail map[string]*model.User
	roles   map[int64]int64 // user id -> role id
	names   map[int64]string

	getErr    error
	setErr    error
	deleteErr error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func newFakeUsers(users ...*model.User) *fakeUsers {
	f := &fakeUsers{
		byEmail: map[string]*model.User{},
		roles:   map[int64]int64{},
		names:   map[int64]string{1: model.RoleAdmin, 2: "agent"},
	}
	for _, u := range users {
		f.byEmail[u.Email] = u
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byEmail {
		if u.ID == id {
			c := *u
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.byEmail[email]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeUsers) RoleName(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rid, ok := f.roles[userID]
	if !ok {
		return "", nil
	}
	return f.names[rid], nil
}

func (f *fakeUsers) SetSingleRole(_ context.Context, userID, roleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	if _, ok := f.names[roleID]; !ok {
		return errs.ErrNotFound
	}
	for _, u := range f.byEmail {
		if u.ID == userID {
			f.roles[userID] = roleID
			return nil
		}
	}
	return errs.ErrNotFound
}

func (f *fakeUsers) Delete(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.roles, userID)
	for e, u := range f.byEmail {
		if u.ID == userID {
			delete(f.byEmail, e)
		}
	}
	return nil
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
	lastEmail    string
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, email string, _ []byte) (bool, time.Duration, error) {
	l.allowCalls++
	l.lastEmail = email
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return l.successErr
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

// fakeRequests emulates the unique (user_id, identifier, device_id) index and the
// conditional delete of the Postgres repository.
type fakeRequests struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[model.DeviceKey]*model.DeactivationRequest
	acts   *fakeActivations

	findErr    error
	consumeErr error
	grantErr   error
	listErr    error

	// beforeConsume runs after the granted read, before the delete.
	beforeConsume func()
}

var _ repository.DeactivationRepository = (*fakeRequests)(nil)

func newFakeRequests(acts *fakeActivations) *fakeRequests {
	return &fakeRequests{byKey: map[model.DeviceKey]*model.DeactivationRequest{}, acts: acts}
}

func (f *fakeRequests) FindOrCreate(_ context.Context, key model.DeviceKey) (*model.DeactivationRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, false, f.findErr
	}
	if r, ok := f.byKey[key]; ok {
		c := *r
		return &c, false, nil
	}
	f.nextID++
	now := time.Now()
	r := &model.DeactivationRequest{ID: f.nextID, DeviceKey: key, CreatedAt: now, UpdatedAt: now}
	f.byKey[key] = r
	c := *r
	return &c, true, nil
}

func (f *fakeRequests) ConsumeGranted(_ context.Context, requestID int64, key model.DeviceKey) (bool, int64, error) {
	if f.beforeConsume != nil {
		f.beforeConsume()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return false, 0, f.consumeErr
	}
	r, ok := f.byKey[key]
	if !ok || r.ID != requestID || !r.Granted {
		return false, 0, nil
	}
	delete(f.byKey, key)
	var n int64
	if f.acts != nil {
		n = f.acts.deleteKey(key)
	}
	return true, n, nil
}

func (f *fakeRequests) Grant(_ context.Context, requestID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return f.grantErr
	}
	for _, r := range f.byKey {
		if r.ID == requestID {
			r.Granted = true
			return nil
		}
	}
	return errs.ErrNotFound
}

func (f *fakeRequests) ListPending(context.Context) ([]model.DeactivationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.DeactivationRequest
	for _, r := range f.byKey {
		if !r.Granted {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRequests) Unnotified(context.Context, time.Time, int) ([]model.DeactivationRequest, error) {
	return nil, nil
}

func (f *fakeRequests) MarkNotified(context.Context, int64) error { return nil }

func (f *fakeRequests) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

type fakeActivations struct {
	mu        sync.Mutex
	keys      map[model.DeviceKey]int
	upsertErr error
}

var _ repository.ActivationRepository = (*fakeActivations)(nil)

func newFakeActivations() *fakeActivations {
	return &fakeActivations{keys: map[model.DeviceKey]int{}}
}

func (f *fakeActivations) Upsert(_ context.Context, key model.DeviceKey) (*model.AppUserActivation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.keys[key]++
	return &model.AppUserActivation{ID: int64(len(f.keys)), DeviceKey: key}, nil
}

func (f *fakeActivations) deleteKey(key model.DeviceKey) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; !ok {
		return 0
	}
	delete(f.keys, key)
	return 1
}

func (f *fakeActivations) has(key model.DeviceKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

type fakeGroups struct {
	mu     sync.Mutex
	byUser map[int64]*model.Group
	getErr error
	setErr error
}

var _ repository.GroupRepository = (*fakeGroups)(nil)

func (f *fakeGroups) GetByUserID(_ context.Context, userID int64) (*model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	g, ok := f.byUser[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (f *fakeGroups) SetDataSHA1(_ context.Context, groupID int64, sum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	found := false
	for _, g := range f.byUser {
		if g.ID == groupID {
			s := sum
			g.DataSHA1 = &s
			found = true
		}
	}
	if !found {
		return errs.ErrNotFound
	}
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []model.DeactivationRequest
}

func (n *recordingNotifier) DeactivationRequested(req model.DeactivationRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reqs)
}
