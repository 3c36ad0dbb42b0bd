package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mediavault/internal/device"
)

// DeviceHandler handles device registry HTTP requests.
type DeviceHandler struct {
	service DeviceService
	logger  *slog.Logger
}

// NewDeviceHandler creates a device handler.
func NewDeviceHandler(service DeviceService, logger *slog.Logger) *DeviceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "device")),
	}
}

// RegisterDeviceRequest is the device registration payload.
type RegisterDeviceRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	UserAgent  string `json:"user_agent" validate:"required"`
	Platform   string `json:"platform" validate:"required"`
	DeviceType string `json:"device_type" validate:"required"`
	Jailbroken bool   `json:"jailbroken"`
}

// Routes returns the device endpoints.
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Get("/{deviceID}", h.Get)
	r.Delete("/{deviceID}", h.Revoke)
	return r
}

// Register handles POST /api/devices.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	d, err := h.service.Register(r.Context(), req.UserID, device.Info{
		UserAgent:  req.UserAgent,
		Platform:   req.Platform,
		DeviceType: req.DeviceType,
		Jailbroken: req.Jailbroken,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, d)
}

// Get handles GET /api/devices/{deviceID}.
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Get(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, d)
}

// Revoke handles DELETE /api/devices/{deviceID}. Revocation cascades to the
// device's licenses before the response is written. An optional reason query
// parameter is recorded on the device.
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator revocation"
	}
	if err := h.service.Revoke(r.Context(), chi.URLParam(r, "deviceID"), reason); err != nil {
		respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "revoked"})
}
