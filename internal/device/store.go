package device

import (
	"context"
	"sync"

	apperrors "mediavault/internal/errors"
)

// Store is the injectable device repository. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, deviceID string) (*Device, error)
	Put(ctx context.Context, d *Device) error
	ListByUser(ctx context.Context, userID string) ([]*Device, error)
	ListByFingerprint(ctx context.Context, fingerprint string) ([]*Device, error)
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewMemoryStore creates an empty in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*Device)}
}

// Get returns the device or ErrDeviceNotFound.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, apperrors.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

// Put inserts or replaces a device.
func (s *MemoryStore) Put(_ context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

// ListByUser returns every device owned by the user.
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Device
	for _, d := range s.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByFingerprint returns every device sharing the fingerprint.
func (s *MemoryStore) ListByFingerprint(_ context.Context, fingerprint string) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Device
	for _, d := range s.devices {
		if d.Fingerprint == fingerprint {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
