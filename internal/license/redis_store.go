package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "mediavault/internal/errors"
)

const (
	sessionKeyPrefix = "session:"
	userIndexPrefix  = "user_sessions:"
	licIndexPrefix   = "license_sessions:"
	allSessionsKey   = "sessions"
)

// RedisSessionStore is the Redis-backed SessionStore used when playback
// state must survive restarts or be shared across instances.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore creates a session store on the given client.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }

// Get returns the session or ErrSessionNotFound.
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*PlaybackSession, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", sessionID, apperrors.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess PlaybackSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Put inserts or replaces a session and maintains the user, license and
// global indexes.
func (s *RedisSessionStore) Put(ctx context.Context, sess *PlaybackSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.SessionID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.SessionID), data, 0)
		pipe.SAdd(ctx, userIndexPrefix+sess.UserID, sess.SessionID)
		pipe.SAdd(ctx, licIndexPrefix+sess.LicenseID, sess.SessionID)
		pipe.SAdd(ctx, allSessionsKey, sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

// Delete removes a session and its index entries. Deleting an absent
// session is a no-op.
func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if errors.Is(err, apperrors.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.SRem(ctx, userIndexPrefix+sess.UserID, sessionID)
		pipe.SRem(ctx, licIndexPrefix+sess.LicenseID, sessionID)
		pipe.SRem(ctx, allSessionsKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// ListByUser returns every session owned by the user.
func (s *RedisSessionStore) ListByUser(ctx context.Context, userID string) ([]*PlaybackSession, error) {
	return s.listIndexed(ctx, userIndexPrefix+userID)
}

// ListByLicense returns the sessions bound to the license.
func (s *RedisSessionStore) ListByLicense(ctx context.Context, licenseID string) ([]*PlaybackSession, error) {
	return s.listIndexed(ctx, licIndexPrefix+licenseID)
}

// ListAll returns every stored session.
func (s *RedisSessionStore) ListAll(ctx context.Context) ([]*PlaybackSession, error) {
	return s.listIndexed(ctx, allSessionsKey)
}

// listIndexed resolves a session-id set into session records, skipping ids
// whose record has been deleted since the index was written.
func (s *RedisSessionStore) listIndexed(ctx context.Context, indexKey string) ([]*PlaybackSession, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list index %s: %w", indexKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fetch sessions: %w", err)
	}
	var out []*PlaybackSession
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sess PlaybackSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("decode indexed session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, nil
}
