package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "mediavault/internal/errors"
	"mediavault/internal/keyvault"
	"mediavault/internal/packaging"
)

// PackagingHandler handles packaging, manifest and rotation HTTP requests.
type PackagingHandler struct {
	service PackagingService
	logger  *slog.Logger
}

// NewPackagingHandler creates a packaging handler.
func NewPackagingHandler(service PackagingService, logger *slog.Logger) *PackagingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackagingHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "packaging")),
	}
}

// RotateRequest selects the rotation policy.
type RotateRequest struct {
	Kind string `json:"kind" validate:"required,oneof=scheduled emergency"`
}

// PackageContentRequest is the packaging payload; the content id comes from
// the URL.
type PackageContentRequest struct {
	TranscodeJobID  string                `json:"transcode_job_id"`
	Renditions      []packaging.Rendition `json:"renditions" validate:"required,min=1,dive"`
	DurationSeconds float64               `json:"duration_seconds" validate:"required,gt=0"`
	Formats         []string              `json:"formats"`
	OrganizationID  string                `json:"organization_id"`
	CreatorID       string                `json:"creator_id"`
}

// Routes returns the packaging job endpoints.
func (h *PackagingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/jobs/{jobID}", h.GetJob)
	return r
}

// Package handles POST /api/content/{contentID}/package.
func (h *PackagingHandler) Package(w http.ResponseWriter, r *http.Request) {
	var req PackageContentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	job, err := h.service.PackageContent(r.Context(), packaging.PackageRequest{
		ContentID:       chi.URLParam(r, "contentID"),
		TranscodeJobID:  req.TranscodeJobID,
		Renditions:      req.Renditions,
		DurationSeconds: req.DurationSeconds,
		Formats:         req.Formats,
		OrganizationID:  req.OrganizationID,
		CreatorID:       req.CreatorID,
	})
	if err != nil {
		// A terminal failed job is still reported to the caller.
		if job != nil {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, job)
			return
		}
		respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, job)
}

// GetJob handles GET /api/packaging/jobs/{jobID}.
func (h *PackagingHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, job)
}

// GetPackage handles GET /api/content/{contentID}/packages/{format}.
func (h *PackagingHandler) GetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.service.GetPackage(r.Context(), chi.URLParam(r, "contentID"), chi.URLParam(r, "format"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, pkg)
}

// GetManifest handles GET /api/content/{contentID}/manifests/{format} and
// serves the master playlist as a media playlist file. A profile query
// parameter selects a rendition playlist instead.
func (h *PackagingHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.service.GetPackage(r.Context(), chi.URLParam(r, "contentID"), chi.URLParam(r, "format"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	manifest := pkg.MasterManifest
	if profile := r.URL.Query().Get("profile"); profile != "" {
		var ok bool
		manifest, ok = pkg.MediaManifests[profile]
		if !ok {
			respondError(w, r, apperrors.NotFoundError("rendition manifest"))
			return
		}
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(manifest))
}

// RegenerateManifests handles POST /api/content/{contentID}/manifests/{format}/regenerate.
func (h *PackagingHandler) RegenerateManifests(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.service.GenerateManifests(r.Context(), chi.URLParam(r, "contentID"), chi.URLParam(r, "format"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, pkg)
}

// Rotate handles POST /api/content/{contentID}/rotate. Scheduled rotation
// keeps issued licenses valid; emergency rotation revokes them.
func (h *PackagingHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	contentID := chi.URLParam(r, "contentID")
	var result *keyvault.RotationResult
	var err error
	switch req.Kind {
	case string(keyvault.RotationEmergency):
		result, err = h.service.EmergencyRotate(r.Context(), contentID)
	default:
		result, err = h.service.RotateKeys(r.Context(), contentID)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}
