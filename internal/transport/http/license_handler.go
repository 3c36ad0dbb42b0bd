package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mediavault/internal/license"
)

// LicenseHandler handles license and session HTTP requests.
type LicenseHandler struct {
	service LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// HeartbeatRequest is the session heartbeat payload.
type HeartbeatRequest struct {
	Position float64 `json:"position" validate:"gte=0"`
}

// Routes returns the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Get("/{licenseID}", h.Status)
	r.Delete("/{licenseID}", h.Revoke)
	return r
}

// SessionRoutes returns the playback session endpoints.
func (h *LicenseHandler) SessionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{sessionID}/heartbeat", h.Heartbeat)
	r.Post("/{sessionID}/pause", h.Pause)
	r.Post("/{sessionID}/resume", h.Resume)
	r.Post("/{sessionID}/end", h.End)
	return r
}

// Issue handles POST /api/licenses.
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req license.IssueRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := h.service.IssueLicense(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// Status handles GET /api/licenses/{licenseID}. Expired and revoked
// licenses read as not found.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.GetLicenseStatus(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

// Revoke handles DELETE /api/licenses/{licenseID}. Revocation is idempotent
// and ends the license's active sessions. An optional reason query parameter
// is recorded on the license.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator revocation"
	}
	if err := h.service.RevokeLicense(r.Context(), chi.URLParam(r, "licenseID"), reason); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "revoked"})
}

// Heartbeat handles POST /api/sessions/{sessionID}/heartbeat.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	sess, err := h.service.UpdateSessionHeartbeat(r.Context(), chi.URLParam(r, "sessionID"), req.Position)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, sess)
}

// Pause handles POST /api/sessions/{sessionID}/pause.
func (h *LicenseHandler) Pause(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.PauseSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, sess)
}

// Resume handles POST /api/sessions/{sessionID}/resume.
func (h *LicenseHandler) Resume(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.ResumeSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, sess)
}

// End handles POST /api/sessions/{sessionID}/end.
func (h *LicenseHandler) End(w http.ResponseWriter, r *http.Request) {
	if err := h.service.EndSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "ended"})
}
