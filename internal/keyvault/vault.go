package keyvault

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	apperrors "mediavault/internal/errors"
)

// CEKSize is the content-encryption key size in bytes (AES-128 per HLS).
const CEKSize = 16

// IVSize is the segment-encryption IV size in bytes.
const IVSize = 16

// RotationKind selects the rotation policy.
type RotationKind string

const (
	// RotationScheduled replaces the current pointer only; issued licenses
	// referencing the old key stay valid until natural expiry.
	RotationScheduled RotationKind = "scheduled"
	// RotationEmergency additionally revokes every non-expired license for
	// the content as part of the same logical operation.
	RotationEmergency RotationKind = "emergency"
)

// ContentKeySet is one CEK generation for a content id. Old versions are
// retained indefinitely so previously packaged segments stay decryptable.
type ContentKeySet struct {
	ContentKeyID    string    `json:"content_key_id"`
	ContentID       string    `json:"content_id"`
	WrappedKey      []byte    `json:"wrapped_key"`
	IV              []byte    `json:"iv"`
	Algorithm       string    `json:"algorithm"`
	RotationVersion int       `json:"rotation_version"`
	CreatedAt       time.Time `json:"created_at"`

	// LicenseCount counts licenses issued against this key version.
	LicenseCount atomic.Int64 `json:"-"`
}

// RotationResult reports the outcome of a rotation.
type RotationResult struct {
	OldKeyID             string `json:"old_key_id"`
	NewKeyID             string `json:"new_key_id"`
	RotationVersion      int    `json:"rotation_version"`
	AffectedLicenseCount int    `json:"affected_license_count"`
}

// LicenseRevoker is the emergency-rotation cascade hook into the license
// manager, bound post-construction by the composition root.
type LicenseRevoker interface {
	RevokeAllForContent(ctx context.Context, contentID, reason string) (int, error)
}

// Vault owns the content-key lifecycle. All mutations for one content id are
// serialized under a per-content lock and the active key set is published as
// a single pointer swap, so no caller ever observes a half-rotated state.
type Vault struct {
	wrapper KeyWrapper
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	current map[string]*ContentKeySet   // active version per content id
	history map[string][]*ContentKeySet // all versions, oldest first
	byKeyID map[string]*ContentKeySet

	contentLocks sync.Map // contentID -> *sync.Mutex
	genGroup     singleflight.Group

	revokerMu sync.Mutex
	revoker   LicenseRevoker
}

// NewVault creates a vault using the given wrapper.
func NewVault(wrapper KeyWrapper, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		wrapper: wrapper,
		logger:  logger.With(slog.String("service", "key_vault")),
		now:     time.Now,
		current: make(map[string]*ContentKeySet),
		history: make(map[string][]*ContentKeySet),
		byKeyID: make(map[string]*ContentKeySet),
	}
}

// BindLicenseRevoker attaches the emergency-rotation cascade.
func (v *Vault) BindLicenseRevoker(revoker LicenseRevoker) {
	v.revokerMu.Lock()
	defer v.revokerMu.Unlock()
	v.revoker = revoker
}

func (v *Vault) licenseRevoker() LicenseRevoker {
	v.revokerMu.Lock()
	defer v.revokerMu.Unlock()
	return v.revoker
}

func (v *Vault) lockFor(contentID string) *sync.Mutex {
	actual, _ := v.contentLocks.LoadOrStore(contentID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// GenerateKeys creates and publishes a fresh key set for the content,
// bumping the rotation version.
func (v *Vault) GenerateKeys(ctx context.Context, contentID string) (*ContentKeySet, error) {
	lock := v.lockFor(contentID)
	lock.Lock()
	defer lock.Unlock()
	return v.generateLocked(ctx, contentID)
}

// generateLocked creates and publishes a new key set. Caller must hold the
// content lock.
func (v *Vault) generateLocked(ctx context.Context, contentID string) (*ContentKeySet, error) {
	cek := make([]byte, CEKSize)
	if _, err := rand.Read(cek); err != nil {
		return nil, fmt.Errorf("generate cek: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	wrapped, err := v.wrapper.Wrap(contentID, cek)
	zero(cek)
	if err != nil {
		return nil, fmt.Errorf("wrap cek for content %s: %w", contentID, err)
	}

	v.mu.Lock()
	version := 1
	if prev, ok := v.current[contentID]; ok {
		version = prev.RotationVersion + 1
	}
	set := &ContentKeySet{
		ContentKeyID:    uuid.New().String(),
		ContentID:       contentID,
		WrappedKey:      wrapped,
		IV:              iv,
		Algorithm:       "AES-128",
		RotationVersion: version,
		CreatedAt:       v.now(),
	}
	v.current[contentID] = set
	v.history[contentID] = append(v.history[contentID], set)
	v.byKeyID[set.ContentKeyID] = set
	v.mu.Unlock()

	v.logger.InfoContext(ctx, "content key generated",
		slog.String("content_id", contentID),
		slog.String("key_id", set.ContentKeyID),
		slog.Int("rotation_version", version),
	)
	return set, nil
}

// GetOrCreate returns the active key set, generating the first version if
// none exists. Concurrent first-time callers are collapsed so exactly one
// version 1 is ever created. Increments the usage counter.
func (v *Vault) GetOrCreate(ctx context.Context, contentID string) (*ContentKeySet, error) {
	v.mu.RLock()
	set, ok := v.current[contentID]
	v.mu.RUnlock()
	if !ok {
		got, err, _ := v.genGroup.Do(contentID, func() (any, error) {
			lock := v.lockFor(contentID)
			lock.Lock()
			defer lock.Unlock()
			v.mu.RLock()
			existing, ok := v.current[contentID]
			v.mu.RUnlock()
			if ok {
				return existing, nil
			}
			return v.generateLocked(ctx, contentID)
		})
		if err != nil {
			return nil, err
		}
		set = got.(*ContentKeySet)
	}
	set.LicenseCount.Add(1)
	return set, nil
}

// Active returns the current key set without creating one.
func (v *Vault) Active(_ context.Context, contentID string) (*ContentKeySet, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	set, ok := v.current[contentID]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", contentID, apperrors.ErrNoKeysFound)
	}
	return set, nil
}

// GetByKeyID returns any retained key set by its key id.
func (v *Vault) GetByKeyID(_ context.Context, keyID string) (*ContentKeySet, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	set, ok := v.byKeyID[keyID]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, apperrors.ErrNoKeysFound)
	}
	return set, nil
}

// UnwrapCEK returns the raw CEK for a key set. The KEK never leaves the
// wrapper; callers are responsible for authorization.
func (v *Vault) UnwrapCEK(_ context.Context, set *ContentKeySet) ([]byte, error) {
	return v.wrapper.Unwrap(set.ContentID, set.WrappedKey)
}

// Rotate publishes a new key version for the content. Scheduled rotation
// only replaces the current pointer. Emergency rotation also revokes every
// non-expired license for the content; if that sweep fails the rotation is
// reported incomplete and the caller must retry (individual revocations are
// idempotent, so the retry is safe).
func (v *Vault) Rotate(ctx context.Context, contentID string, kind RotationKind) (*RotationResult, error) {
	lock := v.lockFor(contentID)
	lock.Lock()
	defer lock.Unlock()

	v.mu.RLock()
	old, ok := v.current[contentID]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("content %s: %w", contentID, apperrors.ErrNoKeysFound)
	}

	fresh, err := v.generateLocked(ctx, contentID)
	if err != nil {
		return nil, err
	}

	result := &RotationResult{
		OldKeyID:        old.ContentKeyID,
		NewKeyID:        fresh.ContentKeyID,
		RotationVersion: fresh.RotationVersion,
	}

	if kind == RotationEmergency {
		revoker := v.licenseRevoker()
		if revoker == nil {
			return nil, fmt.Errorf("emergency rotation for %s: no license revoker bound: %w",
				contentID, apperrors.ErrRotationIncomplete)
		}
		revoked, err := revoker.RevokeAllForContent(ctx, contentID, "emergency key rotation")
		if err != nil {
			return nil, fmt.Errorf("emergency rotation for %s: revocation sweep failed: %w (%w)",
				contentID, err, apperrors.ErrRotationIncomplete)
		}
		result.AffectedLicenseCount = revoked
	}

	v.logger.InfoContext(ctx, "content key rotated",
		slog.String("content_id", contentID),
		slog.String("kind", string(kind)),
		slog.String("old_key_id", result.OldKeyID),
		slog.String("new_key_id", result.NewKeyID),
		slog.Int("rotation_version", result.RotationVersion),
		slog.Int("affected_licenses", result.AffectedLicenseCount),
	)
	return result, nil
}

// Versions returns how many key versions are retained for the content.
func (v *Vault) Versions(contentID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.history[contentID])
}
