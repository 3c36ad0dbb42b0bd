package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "mediavault/internal/errors"
)

// LicenseRevoker is the cascade hook into the license manager. Bound after
// construction by the composition root to break the device<->license cycle.
type LicenseRevoker interface {
	// RevokeAllForDevice revokes every non-expired license bound to the
	// device and returns how many were revoked.
	RevokeAllForDevice(ctx context.Context, deviceID, reason string) (int, error)
}

// Registry manages device identity and trust.
type Registry struct {
	store      Store
	maxDevices int
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	revoker LicenseRevoker
}

// NewRegistry creates a device registry backed by the given store.
func NewRegistry(store Store, maxDevicesPerUser int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      store,
		maxDevices: maxDevicesPerUser,
		logger:     logger.With(slog.String("service", "device_registry")),
		now:        time.Now,
	}
}

// BindLicenseRevoker attaches the license revocation cascade. Must be called
// before RevokeDevice is used.
func (r *Registry) BindLicenseRevoker(revoker LicenseRevoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoker = revoker
}

func (r *Registry) licenseRevoker() LicenseRevoker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revoker
}

// Register registers a new device for the user. The user may own at most
// maxDevices devices; the fingerprint already bound to a different user or a
// jailbroken report forces trust level untrusted.
func (r *Registry) Register(ctx context.Context, userID string, info Info) (*Device, error) {
	owned, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices for user %s: %w", userID, err)
	}
	if len(owned) >= r.maxDevices {
		return nil, fmt.Errorf("user %s owns %d devices: %w", userID, len(owned), apperrors.ErrDeviceLimitExceeded)
	}

	fingerprint := ComputeFingerprint(info)
	trust, err := r.classify(ctx, userID, fingerprint, info)
	if err != nil {
		return nil, err
	}

	now := r.now()
	d := &Device{
		ID:           uuid.New().String(),
		UserID:       userID,
		Fingerprint:  fingerprint,
		TrustLevel:   trust,
		UserAgent:    info.UserAgent,
		Platform:     info.Platform,
		DeviceType:   info.DeviceType,
		IsActive:     true,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	if err := r.store.Put(ctx, d); err != nil {
		return nil, fmt.Errorf("store device: %w", err)
	}

	r.logger.InfoContext(ctx, "device registered",
		slog.String("device_id", d.ID),
		slog.String("user_id", userID),
		slog.String("trust_level", string(trust)),
		slog.String("platform", info.Platform),
	)
	return d, nil
}

// classify applies the trust policy for a new registration.
func (r *Registry) classify(ctx context.Context, userID, fingerprint string, info Info) (TrustLevel, error) {
	if info.Jailbroken {
		return TrustUntrusted, nil
	}
	existing, err := r.store.ListByFingerprint(ctx, fingerprint)
	if err != nil {
		return TrustUnknown, fmt.Errorf("lookup fingerprint: %w", err)
	}
	for _, d := range existing {
		if d.UserID != userID {
			// Same hardware signature under another account is possible spoofing.
			r.logger.WarnContext(ctx, "fingerprint reuse across users detected",
				slog.String("fingerprint", fingerprint[:16]),
				slog.String("user_id", userID),
				slog.String("prior_user_id", d.UserID),
			)
			return TrustUntrusted, nil
		}
	}
	return TrustTrusted, nil
}

// Revoke marks the device inactive and revoked, then revokes every
// non-expired license bound to it. The cascade completes before Revoke
// returns.
func (r *Registry) Revoke(ctx context.Context, deviceID, reason string) error {
	d, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	d.IsActive = false
	d.IsRevoked = true
	d.RevokeReason = reason
	if err := r.store.Put(ctx, d); err != nil {
		return fmt.Errorf("store revoked device: %w", err)
	}

	revoked := 0
	if revoker := r.licenseRevoker(); revoker != nil {
		revoked, err = revoker.RevokeAllForDevice(ctx, deviceID, reason)
		if err != nil {
			return fmt.Errorf("cascade license revocation for device %s: %w", deviceID, err)
		}
	}

	r.logger.InfoContext(ctx, "device revoked",
		slog.String("device_id", deviceID),
		slog.String("reason", reason),
		slog.Int("licenses_revoked", revoked),
	)
	return nil
}

// Validate checks that the device may be used by the user for playback. An
// unseen deviceID is auto-registered with unknown trust so first playback is
// frictionless. Updates lastSeenAt on success.
func (r *Registry) Validate(ctx context.Context, deviceID, userID string) (*Device, error) {
	d, err := r.store.Get(ctx, deviceID)
	if err != nil {
		now := r.now()
		d = &Device{
			ID:           deviceID,
			UserID:       userID,
			TrustLevel:   TrustUnknown,
			IsActive:     true,
			RegisteredAt: now,
			LastSeenAt:   now,
		}
		if err := r.store.Put(ctx, d); err != nil {
			return nil, fmt.Errorf("auto-register device: %w", err)
		}
		r.logger.InfoContext(ctx, "device auto-registered on first use",
			slog.String("device_id", deviceID),
			slog.String("user_id", userID),
		)
		return d, nil
	}

	if d.UserID != userID {
		return nil, fmt.Errorf("device %s belongs to another user: %w", deviceID, apperrors.ErrDeviceNotOwned)
	}
	if d.IsRevoked {
		return nil, fmt.Errorf("device %s: %w", deviceID, apperrors.ErrDeviceRevoked)
	}
	if !d.IsActive {
		return nil, fmt.Errorf("device %s: %w", deviceID, apperrors.ErrDeviceInactive)
	}

	d.LastSeenAt = r.now()
	if err := r.store.Put(ctx, d); err != nil {
		return nil, fmt.Errorf("update last seen: %w", err)
	}
	return d, nil
}

// Get returns the device by id.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	return r.store.Get(ctx, deviceID)
}
