package license

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mediavault/internal/errors"
)

func newRedisStore(t *testing.T) *RedisSessionStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client)
}

func redisTestSession(id, userID, licenseID string) *PlaybackSession {
	return &PlaybackSession{
		SessionID:     id,
		LicenseID:     licenseID,
		ContentID:     "c1",
		UserID:        userID,
		DeviceID:      "d1",
		Status:        SessionActive,
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		LastHeartbeat: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC),
		Position:      12.5,
		Seq:           1,
	}
}

func TestRedisSessionStore_PutGet(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	sess := redisTestSession("s1", "u1", "l1")
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestRedisSessionStore_Update(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	sess := redisTestSession("s1", "u1", "l1")
	require.NoError(t, store.Put(ctx, sess))

	sess.Status = SessionEnded
	sess.Position = 99
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, got.Status)
	assert.Equal(t, float64(99), got.Position)
}

func TestRedisSessionStore_Indexes(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, redisTestSession("s1", "u1", "l1")))
	require.NoError(t, store.Put(ctx, redisTestSession("s2", "u1", "l2")))
	require.NoError(t, store.Put(ctx, redisTestSession("s3", "u2", "l3")))

	byUser, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byLicense, err := store.ListByLicense(ctx, "l3")
	require.NoError(t, err)
	require.Len(t, byLicense, 1)
	assert.Equal(t, "s3", byLicense[0].SessionID)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRedisSessionStore_Delete(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, redisTestSession("s1", "u1", "l1")))
	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := store.Get(ctx, "s1")
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	byUser, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, byUser)

	// Deleting an absent session is a no-op.
	assert.NoError(t, store.Delete(ctx, "s1"))
}
