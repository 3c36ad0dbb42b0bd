package http

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "mediavault/internal/errors"
)

// KeyHandler serves raw content keys to players holding an active license.
// This is the URI the HLS manifests point at.
type KeyHandler struct {
	keys     KeyService
	licenses LicenseService
	logger   *slog.Logger
}

// NewKeyHandler creates a key delivery handler.
func NewKeyHandler(keys KeyService, licenses LicenseService, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{
		keys:     keys,
		licenses: licenses,
		logger:   logger.With(slog.String("handler", "key_delivery")),
	}
}

// Routes returns the key delivery endpoints.
func (h *KeyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{keyID}", h.Deliver)
	return r
}

// ContentKeyResponse is the key metadata view returned on generation. It
// never carries key material, wrapped or raw.
type ContentKeyResponse struct {
	ContentKeyID    string    `json:"content_key_id"`
	ContentID       string    `json:"content_id"`
	Algorithm       string    `json:"algorithm"`
	IV              string    `json:"iv"`
	RotationVersion int       `json:"rotation_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// Generate handles POST /api/content/{contentID}/keys: publishes a fresh key
// generation for the content.
func (h *KeyHandler) Generate(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "contentID")
	set, err := h.keys.GenerateKeys(r.Context(), contentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ContentKeyResponse{
		ContentKeyID:    set.ContentKeyID,
		ContentID:       set.ContentID,
		Algorithm:       set.Algorithm,
		IV:              hex.EncodeToString(set.IV),
		RotationVersion: set.RotationVersion,
		CreatedAt:       set.CreatedAt,
	})
}

// Deliver handles GET /api/keys/{keyID}?license_id=... and responds with the
// raw 16-byte CEK. Delivery requires an unexpired license covering exactly
// this key.
func (h *KeyHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyID := chi.URLParam(r, "keyID")
	licenseID := r.URL.Query().Get("license_id")
	if licenseID == "" {
		respondError(w, r, fmt.Errorf("license_id query parameter required: %w", apperrors.ErrKeyDeliveryUnauthorized))
		return
	}

	if err := h.licenses.HasActiveLicense(ctx, licenseID, keyID); err != nil {
		h.logger.WarnContext(ctx, "key delivery denied",
			slog.String("key_id", keyID),
			slog.String("license_id", licenseID),
		)
		respondError(w, r, err)
		return
	}

	set, err := h.keys.GetByKeyID(ctx, keyID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	cek, err := h.keys.UnwrapCEK(ctx, set)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(cek)))
	w.WriteHeader(http.StatusOK)
	w.Write(cek)
}
