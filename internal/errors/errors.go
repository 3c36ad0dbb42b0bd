// Package errors defines the domain error taxonomy shared by the device
// registry, content-key vault, packaging pipeline and license manager, plus
// the HTTP rendering for the API layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel errors for device operations.
var (
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceRevoked       = errors.New("device revoked")
	ErrDeviceNotOwned      = errors.New("device not owned by user")
	ErrDeviceInactive      = errors.New("device inactive")
)

// Sentinel errors for license and session operations.
var (
	ErrInvalidTicket           = errors.New("invalid playback ticket")
	ErrLicenseNotFound         = errors.New("license not found")
	ErrSessionNotFound         = errors.New("session not found")
	ErrUnsupportedDRMSystem    = errors.New("unsupported drm system")
	ErrLicenseIssuanceTimeout  = errors.New("license issuance timed out")
	ErrLicenseSignatureInvalid = errors.New("license signature invalid")
)

// Sentinel errors for key and packaging operations.
var (
	ErrNoKeysFound             = errors.New("no content keys found")
	ErrEmptyRenditions         = errors.New("renditions must not be empty")
	ErrUnsupportedFormat       = errors.New("unsupported packaging format")
	ErrPartialManifestRegen    = errors.New("partial manifest regeneration")
	ErrPackagingJobNotFound    = errors.New("packaging job not found")
	ErrPackageNotFound         = errors.New("content package not found")
	ErrRotationIncomplete      = errors.New("key rotation incomplete")
	ErrKeyDeliveryUnauthorized = errors.New("key delivery not authorized")
)

// APIError is the JSON error envelope rendered by the transport layer.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError with the given parameters.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details.
func NewWithDetails(statusCode int, errorCode, message string, details any) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// httpMapping pairs a sentinel error with its API representation.
type httpMapping struct {
	sentinel error
	status   int
	code     string
}

var mappings = []httpMapping{
	{ErrDeviceLimitExceeded, http.StatusConflict, "DEVICE_LIMIT_EXCEEDED"},
	{ErrDeviceNotFound, http.StatusNotFound, "DEVICE_NOT_FOUND"},
	{ErrDeviceRevoked, http.StatusForbidden, "DEVICE_REVOKED"},
	{ErrDeviceNotOwned, http.StatusForbidden, "DEVICE_NOT_OWNED"},
	{ErrDeviceInactive, http.StatusForbidden, "DEVICE_INACTIVE"},
	{ErrInvalidTicket, http.StatusUnauthorized, "INVALID_TICKET"},
	{ErrLicenseNotFound, http.StatusNotFound, "LICENSE_NOT_FOUND"},
	{ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{ErrUnsupportedDRMSystem, http.StatusBadRequest, "UNSUPPORTED_DRM_SYSTEM"},
	{ErrLicenseIssuanceTimeout, http.StatusGatewayTimeout, "LICENSE_ISSUANCE_TIMEOUT"},
	{ErrNoKeysFound, http.StatusNotFound, "NO_KEYS_FOUND"},
	{ErrEmptyRenditions, http.StatusBadRequest, "EMPTY_RENDITIONS"},
	{ErrUnsupportedFormat, http.StatusBadRequest, "UNSUPPORTED_FORMAT"},
	{ErrPartialManifestRegen, http.StatusInternalServerError, "PARTIAL_MANIFEST_REGEN"},
	{ErrPackagingJobNotFound, http.StatusNotFound, "PACKAGING_JOB_NOT_FOUND"},
	{ErrPackageNotFound, http.StatusNotFound, "PACKAGE_NOT_FOUND"},
	{ErrRotationIncomplete, http.StatusInternalServerError, "ROTATION_INCOMPLETE"},
	{ErrKeyDeliveryUnauthorized, http.StatusForbidden, "KEY_DELIVERY_UNAUTHORIZED"},
}

// ToAPIError maps a domain error onto its HTTP representation. Unrecognized
// errors become a generic 500 so internals never leak to callers.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range mappings {
		if errors.Is(err, m.sentinel) {
			return NewWithDetails(m.status, m.code, m.sentinel.Error(), err.Error())
		}
	}
	return New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal server error")
}

// ValidationError represents a single failed request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrValidation creates a validation error with field details.
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// InvalidRequestWithError creates an invalid request error with details.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "invalid request format", err.Error())
}

// NotFoundError creates a not found error for the named resource.
func NotFoundError(resource string) *APIError {
	return NewWithDetails(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource), resource)
}
