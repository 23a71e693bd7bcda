package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
)

type env struct {
	srv   *Server
	auth  *fakeAuth
	deact *fakeDeactivation
	cfg   *fakeConfig
	admin *fakeAdmin
}

func newEnv(t *testing.T, tweak ...func(*Config)) *env {
	t.Helper()
	e := &env{
		auth:  &fakeAuth{},
		deact: &fakeDeactivation{},
		cfg:   &fakeConfig{dir: t.TempDir()},
		admin: &fakeAdmin{},
	}
	cfg := Config{AgentRatePerMinute: 1000, Gatherer: prometheus.NewRegistry()}
	for _, f := range tweak {
		f(&cfg)
	}
	e.srv = New(cfg, Services{Auth: e.auth, Deactivation: e.deact, Config: e.cfg, Admin: e.admin}, zaptest.NewLogger(t))
	return e
}

func (e *env) do(method, target, token string, body io.Reader, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/api/v1/session", "", strings.NewReader(`{"email":"alice@example.com","password":"pw"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, agentToken, out.AccessToken)
	require.Equal(t, int64(7), out.UserID)
	require.Equal(t, "192.0.2.1:1234", e.auth.lastIP)

	rec = e.do(http.MethodPost, "/api/v1/session", "", strings.NewReader(`{"email":"alice@example.com","password":"bad"}`))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/session", "", strings.NewReader(`{`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	e.auth.loginErr = errs.ErrRateLimited
	rec = e.do(http.MethodPost, "/api/v1/session", "", strings.NewReader(`{"email":"alice@example.com","password":"pw"}`))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAgentRoutesRequireToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	for _, target := range []string{"/api/v1/agent/deactivation", "/api/v1/agent/config/hash", "/api/v1/agent/config"} {
		rec := e.do(http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, target)
		require.Empty(t, rec.Header().Get(DeactivationStatusHeader))

		rec = e.do(http.MethodGet, target, "forged", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
	require.Empty(t, e.deact.calls)
}

func TestDeactivation_Pending(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/agent/deactivation?identifier=abc&device_id=dev1", agentToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "pending", rec.Header().Get(DeactivationStatusHeader))
	require.JSONEq(t, `{"status":"pending"}`, rec.Body.String())
	require.Equal(t, []pollCall{{7, "abc", "dev1"}}, e.deact.calls)
}

func TestDeactivation_ApprovedViaForm(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.deact.status = model.DeactivationApproved

	form := url.Values{"identifier": {"abc"}, "device_id": {"dev1"}, "user_id": {"999"}}
	rec := e.do(http.MethodPost, "/api/v1/agent/deactivation", agentToken, strings.NewReader(form.Encode()),
		"Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "approved", rec.Header().Get(DeactivationStatusHeader))
	// the user comes from the token, never from the body
	require.Equal(t, []pollCall{{7, "abc", "dev1"}}, e.deact.calls)
}

func TestDeactivation_MissingFields(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/agent/deactivation?identifier=abc", agentToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Empty(t, rec.Header().Get(DeactivationStatusHeader))
}

func TestDeactivation_StoreFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.deact.err = errors.New("db down")

	rec := e.do(http.MethodGet, "/api/v1/agent/deactivation?identifier=abc&device_id=dev1", agentToken, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestActivation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/api/v1/agent/activation?identifier=abc&device_id=dev1", agentToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/agent/activation", agentToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestConfigHash(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/agent/config/hash", agentToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())

	e.cfg.hash = "0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33"
	rec = e.do(http.MethodGet, "/api/v1/agent/config/hash", agentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, e.cfg.hash, rec.Body.String())
}

func TestConfigPayload(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/agent/config", agentToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	e.cfg.hash = "0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33"
	e.cfg.payload = []byte("foo")
	rec = e.do(http.MethodGet, "/api/v1/agent/config", agentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, `"`+e.cfg.hash+`"`, rec.Header().Get("ETag"))
	require.Equal(t, "3", rec.Header().Get("Content-Length"))
	require.Equal(t, "foo", rec.Body.String())

	rec = e.do(http.MethodGet, "/api/v1/agent/config", agentToken, nil, "If-None-Match", `"`+e.cfg.hash+`"`)
	require.Equal(t, http.StatusNotModified, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/agent/config", agentToken, nil, "Range", "bytes=1-")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "oo", rec.Body.String())
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/admin/deactivations", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/admin/deactivations", agentToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPut, "/api/v1/admin/deactivations/5/grant", agentToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, e.deact.granted)
}

func TestAdminRoutes_RoleIsReadFromStore(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	// admin token, but the user has since been demoted
	e.auth.setRoles(map[int64]string{1: "agent"})
	rec := e.do(http.MethodPut, "/api/v1/admin/deactivations/5/grant", adminToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, e.deact.granted)

	// deleted user
	e.auth.setRoles(map[int64]string{})
	rec = e.do(http.MethodGet, "/api/v1/admin/deactivations", adminToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// agent token for a user promoted after login
	e.auth.setRoles(map[int64]string{7: model.RoleAdmin})
	rec = e.do(http.MethodGet, "/api/v1/admin/deactivations", agentToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes_RoleLookupFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.auth.roleErr = errors.New("db down")

	rec := e.do(http.MethodPut, "/api/v1/admin/deactivations/5/grant", adminToken, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, e.deact.granted)
}

func TestAdmin_ListAndGrant(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e.deact.pending = []model.DeactivationRequest{
		{ID: 5, DeviceKey: model.DeviceKey{UserID: 7, Identifier: "abc", DeviceID: "dev1"}, CreatedAt: ts},
	}

	rec := e.do(http.MethodGet, "/api/v1/admin/deactivations", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[{"id":5,"user_id":7,"identifier":"abc","device_id":"dev1","created_at":"2024-05-01T10:00:00Z"}]`, rec.Body.String())

	rec = e.do(http.MethodPut, "/api/v1/admin/deactivations/5/grant", adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []int64{5}, e.deact.granted)

	rec = e.do(http.MethodPut, "/api/v1/admin/deactivations/404/grant", adminToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPut, "/api/v1/admin/deactivations/x/grant", adminToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdmin_EmptyPendingListIsArray(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/api/v1/admin/deactivations", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestAdmin_PublishPayload(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *Config) { c.MaxPayloadBytes = 8 })

	rec := e.do(http.MethodPut, "/api/v1/admin/groups/3/payload", adminToken, strings.NewReader("bundle"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data_sha1":"abc123"}`, rec.Body.String())
	require.Equal(t, []byte("bundle"), e.cfg.published)

	rec = e.do(http.MethodPut, "/api/v1/admin/groups/3/payload", adminToken, strings.NewReader(""))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do(http.MethodPut, "/api/v1/admin/groups/3/payload", adminToken, strings.NewReader("0123456789"))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	e.cfg.publishErr = errs.ErrNotFound
	rec = e.do(http.MethodPut, "/api/v1/admin/groups/42/payload", adminToken, strings.NewReader("x"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Users(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodPut, "/api/v1/admin/users/7/role", adminToken, strings.NewReader(`{"role_id":2}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, int64(2), e.admin.assigned[7])

	rec = e.do(http.MethodPut, "/api/v1/admin/users/7/role", adminToken, strings.NewReader(`{"role_id":99}`))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPut, "/api/v1/admin/users/7/role", adminToken, strings.NewReader(`nope`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do(http.MethodDelete, "/api/v1/admin/users/7", adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []int64{7}, e.admin.deleted)

	rec = e.do(http.MethodDelete, "/api/v1/admin/users/1", adminToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAgentRateLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *Config) { c.AgentRatePerMinute = 2 })

	for i := 0; i < 2; i++ {
		rec := e.do(http.MethodGet, "/api/v1/agent/config/hash", agentToken, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := e.do(http.MethodGet, "/api/v1/agent/config/hash", agentToken, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := newEnv(t, func(c *Config) {
		c.Ready = func(context.Context) error { return errors.New("db down") }
	})
	rec = down.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDAndMetrics(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec := e.do(http.MethodGet, "/healthz", "", nil)
	require.Len(t, rec.Header().Get(RequestIDHeader), 36)

	rec = e.do(http.MethodGet, "/healthz", "", nil, RequestIDHeader, "trace-1")
	require.Equal(t, "trace-1", rec.Header().Get(RequestIDHeader))

	rec = e.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	h := Recover(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oh no")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer  abc  ": "abc",
		"Basic abc":     "",
		"Bearer   ":     "",
		"":              "",
	}
	for hdr, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", hdr)
		got, ok := bearerToken(r)
		require.Equal(t, want, got, hdr)
		require.Equal(t, want != "", ok, hdr)
	}
}

func TestIdentityFromCtx(t *testing.T) {
	t.Parallel()
	_, ok := IdentityFromCtx(context.Background())
	require.False(t, ok)

	ctx := WithIdentity(context.Background(), model.Identity{UserID: 7})
	id, ok := IdentityFromCtx(ctx)
	require.True(t, ok)
	require.Equal(t, int64(7), id.UserID)

	_, ok = IdentityFromCtx(WithIdentity(context.Background(), model.Identity{}))
	require.False(t, ok)
}
