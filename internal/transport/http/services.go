package http

import (
	"context"

	"mediavault/internal/device"
	"mediavault/internal/keyvault"
	"mediavault/internal/license"
	"mediavault/internal/packaging"
)

// DeviceService is the device registry surface the handlers consume.
type DeviceService interface {
	Register(ctx context.Context, userID string, info device.Info) (*device.Device, error)
	Revoke(ctx context.Context, deviceID, reason string) error
	Get(ctx context.Context, deviceID string) (*device.Device, error)
}

// LicenseService is the license manager surface the handlers consume.
type LicenseService interface {
	IssueLicense(ctx context.Context, req license.IssueRequest) (*license.IssueResult, error)
	RevokeLicense(ctx context.Context, licenseID, reason string) error
	GetLicenseStatus(ctx context.Context, licenseID string) (*license.License, error)
	UpdateSessionHeartbeat(ctx context.Context, sessionID string, position float64) (*license.PlaybackSession, error)
	PauseSession(ctx context.Context, sessionID string) (*license.PlaybackSession, error)
	ResumeSession(ctx context.Context, sessionID string) (*license.PlaybackSession, error)
	EndSession(ctx context.Context, sessionID string) error
	HasActiveLicense(ctx context.Context, licenseID, keyID string) error
}

// KeyService is the vault surface used for key generation and delivery.
type KeyService interface {
	GenerateKeys(ctx context.Context, contentID string) (*keyvault.ContentKeySet, error)
	GetByKeyID(ctx context.Context, keyID string) (*keyvault.ContentKeySet, error)
	UnwrapCEK(ctx context.Context, set *keyvault.ContentKeySet) ([]byte, error)
}

// PackagingService is the pipeline surface the handlers consume.
type PackagingService interface {
	PackageContent(ctx context.Context, req packaging.PackageRequest) (*packaging.PackagingJob, error)
	RotateKeys(ctx context.Context, contentID string) (*keyvault.RotationResult, error)
	EmergencyRotate(ctx context.Context, contentID string) (*keyvault.RotationResult, error)
	GenerateManifests(ctx context.Context, contentID, format string) (*packaging.ContentPackage, error)
	GetJob(ctx context.Context, jobID string) (*packaging.PackagingJob, error)
	GetPackage(ctx context.Context, contentID, format string) (*packaging.ContentPackage, error)
}
