package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/citadel/internal/errs"
	"github.com/and161185/citadel/internal/model"
	"github.com/and161185/citadel/internal/service"
)

// DeactivationStatusHeader tells a polling agent why it got a 401.
const DeactivationStatusHeader = "X-Deactivation-Status"

// maxSessionBody bounds login request bodies.
const maxSessionBody = 1 << 14

type handlers struct {
	auth         service.AuthService
	deactivation service.DeactivationService
	config       service.ConfigSyncService
	admin        service.AdminService
	maxPayload   int64
	log          *zap.Logger
}

// fail writes err. Unexpected errors are logged since their text never reaches the client.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromCtx(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, err)
}

func identity(r *http.Request) model.Identity {
	id, _ := IdentityFromCtx(r.Context())
	return id
}

type sessionRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      int64     `json:"user_id"`
	Role        string    `json:"role,omitempty"`
}

// createSession handles POST /api/v1/session.
func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSessionBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body", errs.ErrValidation))
		return
	}
	tok, id, err := h.auth.Login(r.Context(), req.Email, req.Password, r.RemoteAddr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt.UTC(),
		UserID:      id.UserID,
		Role:        id.Role,
	})
}

// activate handles POST /api/v1/agent/activation.
func (h *handlers) activate(w http.ResponseWriter, r *http.Request) {
	err := h.deactivation.Activate(r.Context(), identity(r).UserID, r.FormValue("identifier"), r.FormValue("device_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deactivate handles GET|POST /api/v1/agent/deactivation.
func (h *handlers) deactivate(w http.ResponseWriter, r *http.Request) {
	st, err := h.deactivation.RequestOrCheck(r.Context(), identity(r).UserID, r.FormValue("identifier"), r.FormValue("device_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set(DeactivationStatusHeader, st.String())
	if st == model.DeactivationApproved {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"status": st.String()})
}

// configHash handles GET /api/v1/agent/config/hash.
func (h *handlers) configHash(w http.ResponseWriter, r *http.Request) {
	hash, ok, err := h.config.CheckHash(r.Context(), identity(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, hash)
}

// configPayload handles GET /api/v1/agent/config. Range and conditional requests are
// served by http.ServeContent.
func (h *handlers) configPayload(w http.ResponseWriter, r *http.Request) {
	p, ok, err := h.config.FetchPayload(r.Context(), identity(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer p.Content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="payload.bin"`)
	if p.SHA1 != "" {
		w.Header().Set("ETag", strconv.Quote(p.SHA1))
	}
	http.ServeContent(w, r, "", p.ModTime, p.Content)
}

type pendingRequest struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Identifier string    `json:"identifier"`
	DeviceID   string    `json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// listPending handles GET /api/v1/admin/deactivations.
func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.deactivation.ListPending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]pendingRequest, 0, len(reqs))
	for _, d := range reqs {
		out = append(out, pendingRequest{
			ID:         d.ID,
			UserID:     d.UserID,
			Identifier: d.Identifier,
			DeviceID:   d.DeviceID,
			CreatedAt:  d.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad %s", errs.ErrValidation, name)
	}
	return id, nil
}

// grant handles PUT /api/v1/admin/deactivations/{id}/grant.
func (h *handlers) grant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.deactivation.Grant(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishPayload handles PUT /api/v1/admin/groups/{id}/payload with the raw payload as body.
func (h *handlers) publishPayload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.maxPayload)
	sum, err := h.config.Publish(r.Context(), id, body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErrorMsg(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data_sha1": sum})
}

type roleRequest struct {
	RoleID int64 `json:"role_id"`
}

// assignRole handles PUT /api/v1/admin/users/{id}/role.
func (h *handlers) assignRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req roleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSessionBody)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed body", errs.ErrValidation))
		return
	}
	if err := h.admin.AssignRole(r.Context(), id, req.RoleID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteUser handles DELETE /api/v1/admin/users/{id}.
func (h *handlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if admin := identity(r); admin.UserID == id {
		writeError(w, fmt.Errorf("%w: cannot delete yourself", errs.ErrValidation))
		return
	}
	if err := h.admin.DeleteUser(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
