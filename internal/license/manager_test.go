package license

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediavault/internal/config"
	"mediavault/internal/device"
	apperrors "mediavault/internal/errors"
	"mediavault/internal/events"
	"mediavault/internal/keyvault"
)

const (
	testTicketSecret  = "test-ticket-secret"
	testLicenseSecret = "test-license-secret"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testHarness struct {
	manager   *Manager
	vault     *keyvault.Vault
	registry  *device.Registry
	licenses  *MemoryLicenseStore
	sessions  *MemorySessionStore
	publisher *events.MemoryPublisher
	clock     *fakeClock
}

func testDRMConfig() config.DRMConfig {
	return config.DRMConfig{
		MaxDevicesPerUser:     5,
		MaxConcurrentSessions: 3,
		HeartbeatInterval:     30 * time.Second,
		LicenseTTL:            24 * time.Hour,
		SignerTimeout:         500 * time.Millisecond,
		SweepInterval:         time.Minute,
		ExpiredRetention:      168 * time.Hour,
	}
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	wrapper, err := keyvault.NewLocalKeyWrapper([]byte("unit-test-master-seed"))
	require.NoError(t, err)
	vault := keyvault.NewVault(wrapper, nil)
	registry := device.NewRegistry(device.NewMemoryStore(), 5, nil)
	licenses := NewMemoryLicenseStore()
	sessions := NewMemorySessionStore()
	publisher := events.NewMemoryPublisher()
	clock := newFakeClock()

	manager := NewManager(licenses, sessions, vault, registry,
		NewTicketVerifier(testTicketSecret), DefaultSigners(), publisher,
		testDRMConfig(), testLicenseSecret, nil)
	manager.now = clock.Now

	vault.BindLicenseRevoker(manager)
	registry.BindLicenseRevoker(manager)

	return &testHarness{
		manager:   manager,
		vault:     vault,
		registry:  registry,
		licenses:  licenses,
		sessions:  sessions,
		publisher: publisher,
		clock:     clock,
	}
}

func mustTicket(t *testing.T, contentID, userID string) string {
	t.Helper()
	ticket, err := MintTicket(testTicketSecret, contentID, userID, time.Hour)
	require.NoError(t, err)
	return ticket
}

func issueRequest(t *testing.T, contentID, userID, deviceID string) IssueRequest {
	t.Helper()
	return IssueRequest{
		Ticket:    mustTicket(t, contentID, userID),
		ContentID: contentID,
		UserID:    userID,
		DeviceID:  deviceID,
		DRMSystem: "aes-hls",
	}
}

func TestIssueLicense_HappyPath(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	lic := result.License
	assert.Equal(t, "c1", lic.ContentID)
	assert.Equal(t, "u1", lic.UserID)
	assert.Equal(t, "d1", lic.DeviceID)
	assert.Equal(t, 1, lic.RotationVersion)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), lic.ExpiresAt)
	assert.NoError(t, h.manager.VerifySignature(lic))

	sess := result.Session
	assert.Equal(t, SessionActive, sess.Status)
	assert.Equal(t, lic.LicenseID, sess.LicenseID)

	// aes-hls delivers the raw CEK base64-encoded.
	cek, err := base64.StdEncoding.DecodeString(result.LicenseBlob)
	require.NoError(t, err)
	assert.Len(t, cek, keyvault.CEKSize)

	active, err := h.vault.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, active.ContentKeyID, lic.KeyID)

	issued := h.publisher.Named(events.LicenseIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, lic.LicenseID, issued[0].Payload["license_id"])
}

func TestIssueLicense_SignatureTamperDetected(t *testing.T) {
	h := newTestHarness(t)

	result, err := h.manager.IssueLicense(context.Background(), issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	tampered := *result.License
	tampered.UserID = "mallory"
	assert.ErrorIs(t, h.manager.VerifySignature(&tampered), apperrors.ErrLicenseSignatureInvalid)
}

func TestIssueLicense_TicketRejections(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	t.Run("ticket for another content", func(t *testing.T) {
		req := issueRequest(t, "c1", "u1", "d1")
		req.Ticket = mustTicket(t, "other-content", "u1")
		_, err := h.manager.IssueLicense(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTicket)
	})

	t.Run("ticket for another user", func(t *testing.T) {
		req := issueRequest(t, "c1", "u1", "d1")
		req.Ticket = mustTicket(t, "c1", "u2")
		_, err := h.manager.IssueLicense(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTicket)
	})

	t.Run("garbage ticket", func(t *testing.T) {
		req := issueRequest(t, "c1", "u1", "d1")
		req.Ticket = "not-a-jwt"
		_, err := h.manager.IssueLicense(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTicket)
	})
}

func TestIssueLicense_UnsupportedDRMSystem(t *testing.T) {
	h := newTestHarness(t)
	req := issueRequest(t, "c1", "u1", "d1")
	req.DRMSystem = "divx-drm"
	_, err := h.manager.IssueLicense(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDRMSystem)
}

func TestIssueLicense_RevokedDevice(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	d, err := h.registry.Register(ctx, "u1", device.Info{UserAgent: "ua", Platform: "ios", DeviceType: "phone"})
	require.NoError(t, err)
	require.NoError(t, h.registry.Revoke(ctx, d.ID, "stolen"))

	_, err = h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", d.ID))
	assert.ErrorIs(t, err, apperrors.ErrDeviceRevoked)
}

func TestIssueLicense_ConcurrencyEvictsOldest(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	var first *PlaybackSession
	for i, contentID := range []string{"c1", "c2", "c3"} {
		result, err := h.manager.IssueLicense(ctx, issueRequest(t, contentID, "u1", "d1"))
		require.NoError(t, err)
		if i == 0 {
			first = result.Session
		}
		h.clock.Advance(time.Second)
	}

	// The fourth session is admitted; the earliest-started one is evicted.
	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c4", "u1", "d1"))
	require.NoError(t, err)
	assert.Equal(t, SessionActive, result.Session.Status)

	evicted, err := h.sessions.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, evicted.Status)

	live, err := h.sessions.ListByUser(ctx, "u1")
	require.NoError(t, err)
	active := 0
	for _, sess := range live {
		if sess.Status == SessionActive {
			active++
		}
	}
	assert.Equal(t, 3, active)
}

func TestIssueLicense_StaleSessionsDoNotCount(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	for _, contentID := range []string{"c1", "c2", "c3"} {
		_, err := h.manager.IssueLicense(ctx, issueRequest(t, contentID, "u1", "d1"))
		require.NoError(t, err)
	}

	// All three heartbeats go stale; the next issuance self-heals them and
	// evicts nothing that is still live.
	h.clock.Advance(91 * time.Second)
	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c4", "u1", "d1"))
	require.NoError(t, err)
	assert.Equal(t, SessionActive, result.Session.Status)

	live, err := h.sessions.ListByUser(ctx, "u1")
	require.NoError(t, err)
	active := 0
	for _, sess := range live {
		if sess.Status == SessionActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestIssueLicense_NoPartialStateOnFailure(t *testing.T) {
	for _, stage := range []string{"key", "persist"} {
		t.Run("failure after "+stage, func(t *testing.T) {
			h := newTestHarness(t)
			h.manager.issueHook = func(s string) error {
				if s == stage {
					return assert.AnError
				}
				return nil
			}

			_, err := h.manager.IssueLicense(context.Background(), issueRequest(t, "c1", "u1", "d1"))
			require.Error(t, err)

			licenses, err := h.licenses.ListAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, licenses, "no license may survive a failed issuance")
			sessions, err := h.sessions.ListAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, sessions, "no session may survive a failed issuance")
			assert.Empty(t, h.publisher.Events())
		})
	}
}

type slowSigner struct {
	delay time.Duration
}

func (s slowSigner) System() string { return "slow" }

func (s slowSigner) Sign(ctx context.Context, _ *keyvault.ContentKeySet, _ []byte) (string, error) {
	select {
	case <-time.After(s.delay):
		return "late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestIssueLicense_SignerTimeout(t *testing.T) {
	h := newTestHarness(t)
	h.manager.signers["slow"] = slowSigner{delay: time.Second}
	h.manager.cfg.SignerTimeout = 20 * time.Millisecond

	req := issueRequest(t, "c1", "u1", "d1")
	req.DRMSystem = "slow"
	_, err := h.manager.IssueLicense(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrLicenseIssuanceTimeout)

	licenses, lerr := h.licenses.ListAll(context.Background())
	require.NoError(t, lerr)
	assert.Empty(t, licenses)
}

func TestRevokeLicense(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	require.NoError(t, h.manager.RevokeLicense(ctx, result.License.LicenseID, "refund"))

	sess, err := h.sessions.Get(ctx, result.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, sess.Status)

	_, err = h.manager.GetLicenseStatus(ctx, result.License.LicenseID)
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)

	revoked := h.publisher.Named(events.LicenseRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, "refund", revoked[0].Payload["reason"])

	// Revoking again is a no-op, not an error, and emits nothing.
	require.NoError(t, h.manager.RevokeLicense(ctx, result.License.LicenseID, "refund"))
	assert.Len(t, h.publisher.Named(events.LicenseRevoked), 1)

	assert.ErrorIs(t, h.manager.RevokeLicense(ctx, "ghost", "x"), apperrors.ErrLicenseNotFound)
}

func TestGetLicenseStatus_LazyExpiry(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	lic, err := h.manager.GetLicenseStatus(ctx, result.License.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, result.License.LicenseID, lic.LicenseID)

	h.clock.Advance(24*time.Hour + time.Second)
	_, err = h.manager.GetLicenseStatus(ctx, result.License.LicenseID)
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestHasActiveLicense(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	assert.NoError(t, h.manager.HasActiveLicense(ctx, result.License.LicenseID, result.License.KeyID))
	assert.ErrorIs(t, h.manager.HasActiveLicense(ctx, result.License.LicenseID, "other-key"),
		apperrors.ErrKeyDeliveryUnauthorized)
	assert.ErrorIs(t, h.manager.HasActiveLicense(ctx, "ghost", result.License.KeyID),
		apperrors.ErrKeyDeliveryUnauthorized)
}

func TestUpdateSessionHeartbeat(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)
	sessionID := result.Session.SessionID

	h.clock.Advance(30 * time.Second)
	sess, err := h.manager.UpdateSessionHeartbeat(ctx, sessionID, 42.5)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)
	assert.Equal(t, 42.5, sess.Position)
	assert.Equal(t, h.clock.Now(), sess.LastHeartbeat)

	// Past three missed intervals the session self-heals to ended instead
	// of being refreshed.
	h.clock.Advance(91 * time.Second)
	sess, err = h.manager.UpdateSessionHeartbeat(ctx, sessionID, 50)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, sess.Status)

	_, err = h.manager.UpdateSessionHeartbeat(ctx, "ghost", 0)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestPauseResumeSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)
	sessionID := result.Session.SessionID

	sess, err := h.manager.PauseSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionPaused, sess.Status)

	_, err = h.manager.PauseSession(ctx, sessionID)
	assert.Error(t, err, "pausing a paused session is rejected")

	sess, err = h.manager.ResumeSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)
}

func TestRevokeAllForDevice(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)
	_, err = h.manager.IssueLicense(ctx, issueRequest(t, "c2", "u1", "d1"))
	require.NoError(t, err)
	_, err = h.manager.IssueLicense(ctx, issueRequest(t, "c3", "u1", "d2"))
	require.NoError(t, err)

	revoked, err := h.manager.RevokeAllForDevice(ctx, "d1", "device compromised")
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	// Idempotent on retry.
	revoked, err = h.manager.RevokeAllForDevice(ctx, "d1", "device compromised")
	require.NoError(t, err)
	assert.Zero(t, revoked)
}

func TestDeviceRevocationCascades(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	d, err := h.registry.Register(ctx, "u1", device.Info{UserAgent: "ua", Platform: "tvos", DeviceType: "tv"})
	require.NoError(t, err)
	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", d.ID))
	require.NoError(t, err)

	require.NoError(t, h.registry.Revoke(ctx, d.ID, "account takeover"))

	_, err = h.manager.GetLicenseStatus(ctx, result.License.LicenseID)
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestEmergencyRotationRevokesLicenses(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	rotation, err := h.vault.Rotate(ctx, "c1", keyvault.RotationEmergency)
	require.NoError(t, err)
	assert.Equal(t, 1, rotation.AffectedLicenseCount)

	_, err = h.manager.GetLicenseStatus(ctx, first.License.LicenseID)
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)

	sess, err := h.sessions.Get(ctx, first.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, sess.Status)

	// A fresh issuance binds to the rotated key version.
	second, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)
	assert.Equal(t, rotation.NewKeyID, second.License.KeyID)
	assert.Equal(t, rotation.RotationVersion, second.License.RotationVersion)
}

func TestScheduledRotationKeepsLicensesValid(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	_, err = h.vault.Rotate(ctx, "c1", keyvault.RotationScheduled)
	require.NoError(t, err)

	lic, err := h.manager.GetLicenseStatus(ctx, first.License.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, first.License.KeyID, lic.KeyID)
}

func TestSweepStaleSessions(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	// At exactly three intervals the session is still live.
	h.clock.Advance(90 * time.Second)
	ended, err := h.manager.SweepStaleSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, ended)

	h.clock.Advance(time.Second)
	ended, err = h.manager.SweepStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ended)
}

func TestSweepExpiredLicenses(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.manager.IssueLicense(ctx, issueRequest(t, "c1", "u1", "d1"))
	require.NoError(t, err)

	// Inside the retention window nothing is purged.
	h.clock.Advance(25 * time.Hour)
	purged, err := h.manager.SweepExpiredLicenses(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	h.clock.Advance(168 * time.Hour)
	purged, err = h.manager.SweepExpiredLicenses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = h.licenses.Get(ctx, result.License.LicenseID)
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
	_, err = h.sessions.Get(ctx, result.Session.SessionID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}
