package license

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mediavault/internal/config"
	"mediavault/internal/device"
	apperrors "mediavault/internal/errors"
	"mediavault/internal/events"
	"mediavault/internal/keyvault"
)

// DeviceValidator is the device registry surface the manager depends on.
type DeviceValidator interface {
	Validate(ctx context.Context, deviceID, userID string) (*device.Device, error)
}

// KeyProvider is the vault surface the manager depends on.
type KeyProvider interface {
	GetOrCreate(ctx context.Context, contentID string) (*keyvault.ContentKeySet, error)
	UnwrapCEK(ctx context.Context, set *keyvault.ContentKeySet) ([]byte, error)
}

// Manager owns the license and session lifecycle. Issuance is all-or-nothing:
// either a signed license with its session exists afterwards, or nothing
// does. Per-user issuance is serialized so the concurrency cap cannot be
// raced past.
type Manager struct {
	licenses  LicenseStore
	sessions  SessionStore
	keys      KeyProvider
	devices   DeviceValidator
	tickets   *TicketVerifier
	signers   map[string]Signer
	publisher events.Publisher
	cfg       config.DRMConfig
	secret    []byte
	logger    *slog.Logger
	tracer    trace.Tracer

	issuedCounter  metric.Int64Counter
	revokedCounter metric.Int64Counter

	now func() time.Time
	seq atomic.Uint64

	userLocks sync.Map // userID -> *sync.Mutex

	// issueHook, when set by tests, injects a failure after the named
	// issuance stage.
	issueHook func(stage string) error
}

// NewManager creates a license manager.
func NewManager(
	licenses LicenseStore,
	sessions SessionStore,
	keys KeyProvider,
	devices DeviceValidator,
	tickets *TicketVerifier,
	signers map[string]Signer,
	publisher events.Publisher,
	cfg config.DRMConfig,
	licenseSecret string,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("service", "license_manager"))
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}

	meter := otel.Meter("mediavault/license")
	issued, err := meter.Int64Counter("licenses_issued_total",
		metric.WithDescription("Total licenses issued"))
	if err != nil {
		logger.Warn("issued counter init failed", slog.String("error", err.Error()))
	}
	revoked, err := meter.Int64Counter("licenses_revoked_total",
		metric.WithDescription("Total licenses revoked"))
	if err != nil {
		logger.Warn("revoked counter init failed", slog.String("error", err.Error()))
	}

	return &Manager{
		licenses:       licenses,
		sessions:       sessions,
		keys:           keys,
		devices:        devices,
		tickets:        tickets,
		signers:        signers,
		publisher:      publisher,
		cfg:            cfg,
		secret:         []byte(licenseSecret),
		logger:         logger,
		tracer:         otel.Tracer("mediavault/license"),
		issuedCounter:  issued,
		revokedCounter: revoked,
		now:            time.Now,
	}
}

func (m *Manager) lockFor(userID string) *sync.Mutex {
	actual, _ := m.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (m *Manager) hook(stage string) error {
	if m.issueHook == nil {
		return nil
	}
	return m.issueHook(stage)
}

// staleAfter is the heartbeat age past which a session no longer counts as
// live.
func (m *Manager) staleAfter() time.Duration {
	return 3 * m.cfg.HeartbeatInterval
}

// IssueLicense validates the ticket and device, enforces the per-user
// session cap by evicting the oldest session, then persists the signed
// license together with its playback session. No partial state survives a
// failure at any step.
func (m *Manager) IssueLicense(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	ctx, span := m.tracer.Start(ctx, "license.issue", trace.WithAttributes(
		attribute.String("content_id", req.ContentID),
		attribute.String("drm_system", req.DRMSystem),
	))
	defer span.End()

	signer, ok := m.signers[req.DRMSystem]
	if !ok {
		return nil, fmt.Errorf("drm system %q: %w", req.DRMSystem, apperrors.ErrUnsupportedDRMSystem)
	}
	if err := m.tickets.Verify(req.Ticket, req.ContentID, req.UserID); err != nil {
		return nil, err
	}
	if _, err := m.devices.Validate(ctx, req.DeviceID, req.UserID); err != nil {
		return nil, err
	}

	lock := m.lockFor(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	evicted, err := m.enforceConcurrency(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := m.hook("concurrency"); err != nil {
		return nil, err
	}

	keySet, err := m.keys.GetOrCreate(ctx, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("acquire content key: %w", err)
	}
	if err := m.hook("key"); err != nil {
		return nil, err
	}

	cek, err := m.keys.UnwrapCEK(ctx, keySet)
	if err != nil {
		return nil, fmt.Errorf("unwrap content key: %w", err)
	}
	blob, err := m.signBlob(ctx, signer, keySet, cek)
	for i := range cek {
		cek[i] = 0
	}
	if err != nil {
		return nil, err
	}

	now := m.now()
	lic := &License{
		LicenseID:       uuid.New().String(),
		ContentID:       req.ContentID,
		UserID:          req.UserID,
		DeviceID:        req.DeviceID,
		DRMSystem:       req.DRMSystem,
		KeyID:           keySet.ContentKeyID,
		RotationVersion: keySet.RotationVersion,
		IssuedAt:        now,
		ExpiresAt:       now.Add(m.cfg.LicenseTTL),
	}
	lic.Signature = m.signature(lic)

	sess := &PlaybackSession{
		SessionID:     uuid.New().String(),
		LicenseID:     lic.LicenseID,
		ContentID:     req.ContentID,
		UserID:        req.UserID,
		DeviceID:      req.DeviceID,
		Status:        SessionActive,
		StartedAt:     now,
		LastHeartbeat: now,
		Seq:           m.seq.Add(1),
	}

	if err := m.hook("persist"); err != nil {
		return nil, err
	}
	if err := m.licenses.Put(ctx, lic); err != nil {
		return nil, fmt.Errorf("store license: %w", err)
	}
	if err := m.sessions.Put(ctx, sess); err != nil {
		// A license must never exist without its session.
		if delErr := m.licenses.Delete(ctx, lic.LicenseID); delErr != nil {
			m.logger.ErrorContext(ctx, "orphaned license rollback failed",
				slog.String("license_id", lic.LicenseID),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.publisher.Publish(ctx, events.Event{
		Name:      events.LicenseIssued,
		ContentID: req.ContentID,
		Payload: map[string]any{
			"license_id": lic.LicenseID,
			"session_id": sess.SessionID,
			"user_id":    req.UserID,
			"device_id":  req.DeviceID,
			"drm_system": req.DRMSystem,
			"key_id":     lic.KeyID,
		},
		At: now,
	})
	if m.issuedCounter != nil {
		m.issuedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("drm_system", req.DRMSystem)))
	}
	m.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", lic.LicenseID),
		slog.String("content_id", req.ContentID),
		slog.String("user_id", req.UserID),
		slog.String("key_id", lic.KeyID),
		slog.Int("sessions_evicted", evicted),
	)
	return &IssueResult{License: lic, Session: sess, LicenseBlob: blob}, nil
}

// enforceConcurrency self-heals stale sessions and, while the user is at the
// session cap, ends the earliest-started live session to make room. The new
// session is never the one rejected. Caller holds the user lock.
func (m *Manager) enforceConcurrency(ctx context.Context, userID string) (int, error) {
	sessions, err := m.sessions.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}

	now := m.now()
	var live []*PlaybackSession
	for _, sess := range sessions {
		if sess.Status == SessionEnded {
			continue
		}
		if now.Sub(sess.LastHeartbeat) > m.staleAfter() {
			if err := m.endSession(ctx, sess, now); err != nil {
				return 0, err
			}
			continue
		}
		live = append(live, sess)
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].StartedAt.Equal(live[j].StartedAt) {
			return live[i].Seq < live[j].Seq
		}
		return live[i].StartedAt.Before(live[j].StartedAt)
	})

	evicted := 0
	for len(live) >= m.cfg.MaxConcurrentSessions {
		victim := live[0]
		live = live[1:]
		if err := m.endSession(ctx, victim, now); err != nil {
			return evicted, err
		}
		evicted++
		m.logger.InfoContext(ctx, "session evicted for concurrency cap",
			slog.String("session_id", victim.SessionID),
			slog.String("user_id", userID),
		)
	}
	return evicted, nil
}

func (m *Manager) endSession(ctx context.Context, sess *PlaybackSession, at time.Time) error {
	sess.Status = SessionEnded
	sess.EndedAt = &at
	if err := m.sessions.Put(ctx, sess); err != nil {
		return fmt.Errorf("end session %s: %w", sess.SessionID, err)
	}
	return nil
}

// signBlob runs the DRM signer under the configured deadline. A signer that
// overruns reports an issuance timeout rather than blocking the request.
func (m *Manager) signBlob(ctx context.Context, signer Signer, set *keyvault.ContentKeySet, cek []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SignerTimeout)
	defer cancel()

	type signResult struct {
		blob string
		err  error
	}
	done := make(chan signResult, 1)
	go func() {
		blob, err := signer.Sign(ctx, set, cek)
		done <- signResult{blob, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("sign %s license blob: %w", signer.System(), r.err)
		}
		return r.blob, nil
	case <-ctx.Done():
		return "", fmt.Errorf("drm signer %s: %w", signer.System(), apperrors.ErrLicenseIssuanceTimeout)
	}
}

// signature computes the HMAC-SHA256 over the immutable license fields.
// ExpiresAt is excluded because revocation rewrites it.
func (m *Manager) signature(lic *License) string {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s|%s|%s|%d|%s",
		lic.LicenseID, lic.ContentID, lic.UserID, lic.DeviceID,
		lic.DRMSystem, lic.KeyID, lic.RotationVersion,
		lic.IssuedAt.UTC().Format(time.RFC3339Nano),
	)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks that the license has not been tampered with.
func (m *Manager) VerifySignature(lic *License) error {
	expected := m.signature(lic)
	if !hmac.Equal([]byte(expected), []byte(lic.Signature)) {
		return fmt.Errorf("license %s: %w", lic.LicenseID, apperrors.ErrLicenseSignatureInvalid)
	}
	return nil
}

// RevokeLicense forces the license to expire now and ends its sessions.
// Revoking an already revoked or expired license is a no-op; only an unknown
// license id is an error.
func (m *Manager) RevokeLicense(ctx context.Context, licenseID, reason string) error {
	ctx, span := m.tracer.Start(ctx, "license.revoke", trace.WithAttributes(
		attribute.String("license_id", licenseID),
	))
	defer span.End()

	lic, err := m.licenses.Get(ctx, licenseID)
	if err != nil {
		return err
	}
	now := m.now()
	if lic.Revoked || !lic.ExpiresAt.After(now) {
		return nil
	}

	lic.Revoked = true
	lic.RevokeReason = reason
	lic.ExpiresAt = now
	if err := m.licenses.Put(ctx, lic); err != nil {
		return fmt.Errorf("store revoked license: %w", err)
	}

	ended, err := m.endSessionsForLicense(ctx, licenseID, now)
	if err != nil {
		return err
	}

	m.publisher.Publish(ctx, events.Event{
		Name:      events.LicenseRevoked,
		ContentID: lic.ContentID,
		Payload: map[string]any{
			"license_id":     licenseID,
			"reason":         reason,
			"sessions_ended": ended,
		},
		At: now,
	})
	if m.revokedCounter != nil {
		m.revokedCounter.Add(ctx, 1)
	}
	m.logger.InfoContext(ctx, "license revoked",
		slog.String("license_id", licenseID),
		slog.String("reason", reason),
		slog.Int("sessions_ended", ended),
	)
	return nil
}

func (m *Manager) endSessionsForLicense(ctx context.Context, licenseID string, at time.Time) (int, error) {
	sessions, err := m.sessions.ListByLicense(ctx, licenseID)
	if err != nil {
		return 0, fmt.Errorf("list sessions for license %s: %w", licenseID, err)
	}
	ended := 0
	for _, sess := range sessions {
		if sess.Status == SessionEnded {
			continue
		}
		if err := m.endSession(ctx, sess, at); err != nil {
			return ended, err
		}
		ended++
	}
	return ended, nil
}

// GetLicenseStatus returns the license if it is still valid. Expiry is
// evaluated lazily at read time, so an expired or revoked license reads as
// not found.
func (m *Manager) GetLicenseStatus(ctx context.Context, licenseID string) (*License, error) {
	lic, err := m.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if !lic.ExpiresAt.After(m.now()) {
		return nil, fmt.Errorf("license %s expired: %w", licenseID, apperrors.ErrLicenseNotFound)
	}
	return lic, nil
}

// HasActiveLicense reports whether the license exists, is unexpired, and
// references the given key. Used to authorize key delivery.
func (m *Manager) HasActiveLicense(ctx context.Context, licenseID, keyID string) error {
	lic, err := m.GetLicenseStatus(ctx, licenseID)
	if err != nil {
		return fmt.Errorf("key delivery: %w", apperrors.ErrKeyDeliveryUnauthorized)
	}
	if lic.KeyID != keyID {
		return fmt.Errorf("license %s does not cover key %s: %w", licenseID, keyID, apperrors.ErrKeyDeliveryUnauthorized)
	}
	return nil
}

// UpdateSessionHeartbeat records a heartbeat. A session whose previous
// heartbeat is already staler than three intervals transitions to ended
// instead of being refreshed.
func (m *Manager) UpdateSessionHeartbeat(ctx context.Context, sessionID string, position float64) (*PlaybackSession, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == SessionEnded {
		return sess, nil
	}

	now := m.now()
	if now.Sub(sess.LastHeartbeat) > m.staleAfter() {
		if err := m.endSession(ctx, sess, now); err != nil {
			return nil, err
		}
		m.logger.InfoContext(ctx, "stale session ended on heartbeat",
			slog.String("session_id", sessionID),
		)
		return sess, nil
	}

	sess.LastHeartbeat = now
	sess.Position = position
	if err := m.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store heartbeat: %w", err)
	}
	return sess, nil
}

// PauseSession pauses an active session. Heartbeats keep flowing while
// paused.
func (m *Manager) PauseSession(ctx context.Context, sessionID string) (*PlaybackSession, error) {
	return m.transition(ctx, sessionID, SessionActive, SessionPaused)
}

// ResumeSession resumes a paused session.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) (*PlaybackSession, error) {
	return m.transition(ctx, sessionID, SessionPaused, SessionActive)
}

func (m *Manager) transition(ctx context.Context, sessionID string, from, to SessionStatus) (*PlaybackSession, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != from {
		return nil, fmt.Errorf("session %s is %s, not %s: %w", sessionID, sess.Status, from, apperrors.ErrSessionNotFound)
	}
	sess.Status = to
	sess.LastHeartbeat = m.now()
	if err := m.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session transition: %w", err)
	}
	return sess, nil
}

// EndSession ends a session explicitly, as on player shutdown.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == SessionEnded {
		return nil
	}
	return m.endSession(ctx, sess, m.now())
}

// RevokeAllForDevice revokes every non-expired license bound to the device.
// Implements the device registry's revocation cascade.
func (m *Manager) RevokeAllForDevice(ctx context.Context, deviceID, reason string) (int, error) {
	licenses, err := m.licenses.ListByDevice(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("list licenses for device %s: %w", deviceID, err)
	}
	return m.revokeBatch(ctx, licenses, reason)
}

// RevokeAllForContent revokes every non-expired license for the content.
// Implements the vault's emergency-rotation cascade.
func (m *Manager) RevokeAllForContent(ctx context.Context, contentID, reason string) (int, error) {
	licenses, err := m.licenses.ListByContent(ctx, contentID)
	if err != nil {
		return 0, fmt.Errorf("list licenses for content %s: %w", contentID, err)
	}
	return m.revokeBatch(ctx, licenses, reason)
}

func (m *Manager) revokeBatch(ctx context.Context, licenses []*License, reason string) (int, error) {
	now := m.now()
	revoked := 0
	for _, lic := range licenses {
		if lic.Revoked || !lic.ExpiresAt.After(now) {
			continue
		}
		if err := m.RevokeLicense(ctx, lic.LicenseID, reason); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// SweepStaleSessions ends every live session whose heartbeat age exceeds
// three intervals. Returns how many were ended.
func (m *Manager) SweepStaleSessions(ctx context.Context) (int, error) {
	sessions, err := m.sessions.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := m.now()
	ended := 0
	for _, sess := range sessions {
		if sess.Status == SessionEnded {
			continue
		}
		if now.Sub(sess.LastHeartbeat) > m.staleAfter() {
			if err := m.endSession(ctx, sess, now); err != nil {
				return ended, err
			}
			ended++
		}
	}
	return ended, nil
}

// SweepExpiredLicenses purges licenses past their retention window along
// with their sessions. Returns how many licenses were purged.
func (m *Manager) SweepExpiredLicenses(ctx context.Context) (int, error) {
	licenses, err := m.licenses.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list licenses: %w", err)
	}
	cutoff := m.now().Add(-m.cfg.ExpiredRetention)
	purged := 0
	for _, lic := range licenses {
		if lic.ExpiresAt.After(cutoff) {
			continue
		}
		sessions, err := m.sessions.ListByLicense(ctx, lic.LicenseID)
		if err != nil {
			return purged, fmt.Errorf("list sessions for purge: %w", err)
		}
		for _, sess := range sessions {
			if err := m.sessions.Delete(ctx, sess.SessionID); err != nil {
				return purged, fmt.Errorf("purge session %s: %w", sess.SessionID, err)
			}
		}
		if err := m.licenses.Delete(ctx, lic.LicenseID); err != nil {
			return purged, fmt.Errorf("purge license %s: %w", lic.LicenseID, err)
		}
		purged++
	}
	return purged, nil
}
