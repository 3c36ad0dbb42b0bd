package license

import (
	"context"
	"fmt"
	"sync"

	apperrors "mediavault/internal/errors"
)

// LicenseStore is the injectable license repository.
type LicenseStore interface {
	Get(ctx context.Context, licenseID string) (*License, error)
	Put(ctx context.Context, lic *License) error
	Delete(ctx context.Context, licenseID string) error
	ListByDevice(ctx context.Context, deviceID string) ([]*License, error)
	ListByContent(ctx context.Context, contentID string) ([]*License, error)
	ListAll(ctx context.Context) ([]*License, error)
}

// SessionStore is the injectable playback-session repository.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*PlaybackSession, error)
	Put(ctx context.Context, sess *PlaybackSession) error
	Delete(ctx context.Context, sessionID string) error
	ListByUser(ctx context.Context, userID string) ([]*PlaybackSession, error)
	ListByLicense(ctx context.Context, licenseID string) ([]*PlaybackSession, error)
	ListAll(ctx context.Context) ([]*PlaybackSession, error)
}

// MemoryLicenseStore is the in-memory LicenseStore implementation.
type MemoryLicenseStore struct {
	mu       sync.RWMutex
	licenses map[string]*License
}

// NewMemoryLicenseStore creates an empty in-memory license store.
func NewMemoryLicenseStore() *MemoryLicenseStore {
	return &MemoryLicenseStore{licenses: make(map[string]*License)}
}

// Get returns the license or ErrLicenseNotFound.
func (s *MemoryLicenseStore) Get(_ context.Context, licenseID string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.licenses[licenseID]
	if !ok {
		return nil, fmt.Errorf("license %s: %w", licenseID, apperrors.ErrLicenseNotFound)
	}
	cp := *lic
	return &cp, nil
}

// Put inserts or replaces a license.
func (s *MemoryLicenseStore) Put(_ context.Context, lic *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *lic
	s.licenses[lic.LicenseID] = &cp
	return nil
}

// Delete removes a license. Deleting an absent license is a no-op.
func (s *MemoryLicenseStore) Delete(_ context.Context, licenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.licenses, licenseID)
	return nil
}

// ListByDevice returns every license bound to the device.
func (s *MemoryLicenseStore) ListByDevice(_ context.Context, deviceID string) ([]*License, error) {
	return s.filter(func(l *License) bool { return l.DeviceID == deviceID }), nil
}

// ListByContent returns every license for the content.
func (s *MemoryLicenseStore) ListByContent(_ context.Context, contentID string) ([]*License, error) {
	return s.filter(func(l *License) bool { return l.ContentID == contentID }), nil
}

// ListAll returns every stored license.
func (s *MemoryLicenseStore) ListAll(_ context.Context) ([]*License, error) {
	return s.filter(func(*License) bool { return true }), nil
}

func (s *MemoryLicenseStore) filter(keep func(*License) bool) []*License {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*License
	for _, lic := range s.licenses {
		if keep(lic) {
			cp := *lic
			out = append(out, &cp)
		}
	}
	return out
}

// MemorySessionStore is the in-memory SessionStore implementation.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*PlaybackSession
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*PlaybackSession)}
}

// Get returns the session or ErrSessionNotFound.
func (s *MemorySessionStore) Get(_ context.Context, sessionID string) (*PlaybackSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, apperrors.ErrSessionNotFound)
	}
	cp := *sess
	return &cp, nil
}

// Put inserts or replaces a session.
func (s *MemorySessionStore) Put(_ context.Context, sess *PlaybackSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

// Delete removes a session. Deleting an absent session is a no-op.
func (s *MemorySessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// ListByUser returns every session owned by the user.
func (s *MemorySessionStore) ListByUser(_ context.Context, userID string) ([]*PlaybackSession, error) {
	return s.filter(func(sess *PlaybackSession) bool { return sess.UserID == userID }), nil
}

// ListByLicense returns the sessions bound to the license.
func (s *MemorySessionStore) ListByLicense(_ context.Context, licenseID string) ([]*PlaybackSession, error) {
	return s.filter(func(sess *PlaybackSession) bool { return sess.LicenseID == licenseID }), nil
}

// ListAll returns every stored session.
func (s *MemorySessionStore) ListAll(_ context.Context) ([]*PlaybackSession, error) {
	return s.filter(func(*PlaybackSession) bool { return true }), nil
}

func (s *MemorySessionStore) filter(keep func(*PlaybackSession) bool) []*PlaybackSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PlaybackSession
	for _, sess := range s.sessions {
		if keep(sess) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out
}
