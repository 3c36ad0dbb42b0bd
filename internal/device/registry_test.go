package device

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mediavault/internal/errors"
)

type recordingRevoker struct {
	calls []string
	count int
	err   error
}

func (r *recordingRevoker) RevokeAllForDevice(_ context.Context, deviceID, reason string) (int, error) {
	r.calls = append(r.calls, deviceID+":"+reason)
	return r.count, r.err
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewMemoryStore(), 5, nil)
}

func TestRegister_TrustedByDefault(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.Register(context.Background(), "u1", Info{UserAgent: "Mozilla", Platform: "Windows", DeviceType: "desktop"})
	require.NoError(t, err)
	assert.Equal(t, TrustTrusted, d.TrustLevel)
	assert.True(t, d.IsActive)
	assert.False(t, d.IsRevoked)
	assert.NotEmpty(t, d.Fingerprint)
}

func TestRegister_JailbrokenIsUntrusted(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.Register(context.Background(), "u1", Info{Platform: "iOS", Jailbroken: true})
	require.NoError(t, err)
	assert.Equal(t, TrustUntrusted, d.TrustLevel)
}

func TestRegister_FingerprintSpoofDetection(t *testing.T) {
	r := newTestRegistry(t)
	info := Info{UserAgent: "Mozilla", Platform: "Windows", DeviceType: "desktop"}

	first, err := r.Register(context.Background(), "u1", info)
	require.NoError(t, err)
	assert.Equal(t, TrustTrusted, first.TrustLevel)

	// Same fingerprint under a second distinct user must be untrusted.
	second, err := r.Register(context.Background(), "u2", info)
	require.NoError(t, err)
	assert.Equal(t, TrustUntrusted, second.TrustLevel)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestRegister_DeviceLimit(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), 2, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.Register(ctx, "u1", Info{Platform: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
	}
	_, err := r.Register(ctx, "u1", Info{Platform: "p3"})
	assert.ErrorIs(t, err, apperrors.ErrDeviceLimitExceeded)

	// A different user is unaffected by u1's count.
	_, err = r.Register(ctx, "u2", Info{Platform: "other"})
	assert.NoError(t, err)
}

func TestRevoke_CascadesAndFailsForUnknown(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	err := r.Revoke(ctx, "nope", "lost")
	assert.ErrorIs(t, err, apperrors.ErrDeviceNotFound)

	d, err := r.Register(ctx, "u1", Info{Platform: "Windows"})
	require.NoError(t, err)

	revoker := &recordingRevoker{count: 2}
	r.BindLicenseRevoker(revoker)
	require.NoError(t, r.Revoke(ctx, d.ID, "stolen"))

	assert.Equal(t, []string{d.ID + ":stolen"}, revoker.calls)
	got, err := r.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRevoked)
	assert.False(t, got.IsActive)
	assert.Equal(t, "stolen", got.RevokeReason)
}

func TestValidate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	t.Run("auto-registers unseen device", func(t *testing.T) {
		d, err := r.Validate(ctx, "fresh-device", "u1")
		require.NoError(t, err)
		assert.Equal(t, TrustUnknown, d.TrustLevel)
		assert.Equal(t, "u1", d.UserID)
	})

	t.Run("rejects wrong owner", func(t *testing.T) {
		_, err := r.Validate(ctx, "fresh-device", "u2")
		assert.ErrorIs(t, err, apperrors.ErrDeviceNotOwned)
	})

	t.Run("rejects revoked device", func(t *testing.T) {
		d, err := r.Register(ctx, "u1", Info{Platform: "tv"})
		require.NoError(t, err)
		require.NoError(t, r.Revoke(ctx, d.ID, "compromised"))
		_, err = r.Validate(ctx, d.ID, "u1")
		assert.ErrorIs(t, err, apperrors.ErrDeviceRevoked)
	})

	t.Run("updates last seen", func(t *testing.T) {
		d, err := r.Register(ctx, "u3", Info{Platform: "android"})
		require.NoError(t, err)
		before := d.LastSeenAt
		got, err := r.Validate(ctx, d.ID, "u3")
		require.NoError(t, err)
		assert.False(t, got.LastSeenAt.Before(before))
	})
}
