// Package packaging converts transcoded renditions plus the active content
// key into encrypted segment layouts and HLS/CMAF manifests, and regenerates
// manifests when the key rotates.
package packaging

import (
	"context"
	"sync"
	"time"

	apperrors "mediavault/internal/errors"
)

// JobStatus is the packaging job lifecycle state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Rendition is one transcoded output received from the transcoding
// collaborator.
type Rendition struct {
	Profile string `json:"profile" validate:"required"`
	URL     string `json:"url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Bitrate int    `json:"bitrate"`
	Codec   string `json:"codec"`
	Format  string `json:"format"`
}

// ContentPackage is the packaged output for one content id and format.
// Manifests reference the key-delivery URI, never raw key material.
type ContentPackage struct {
	ContentID       string            `json:"content_id"`
	Format          string            `json:"format"`
	KeyID           string            `json:"key_id"`
	KeyURI          string            `json:"key_uri"`
	IV              string            `json:"iv"`
	SegmentURLs     []string          `json:"segment_urls"`
	MasterManifest  string            `json:"master_manifest"`
	MediaManifests  map[string]string `json:"media_manifests"` // profile -> playlist
	ManifestURLs    []string          `json:"manifest_urls"`
	Renditions      []Rendition       `json:"renditions"`
	DurationSeconds float64           `json:"duration_seconds"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// PackagingJob tracks one packaging request through its lifecycle. It
// references exactly the key version that was active at packaging time.
type PackagingJob struct {
	JobID           string     `json:"job_id"`
	ContentID       string     `json:"content_id"`
	TranscodeJobID  string     `json:"transcode_job_id"`
	OrganizationID  string     `json:"organization_id"`
	CreatorID       string     `json:"creator_id"`
	Status          JobStatus  `json:"status"`
	KeyID           string     `json:"key_id"`
	RotationVersion int        `json:"rotation_version"`
	Formats         []string   `json:"formats"`
	Packages        []string   `json:"packages"` // format names produced
	RetryCount      int        `json:"retry_count"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// JobStore is the injectable packaging-job repository.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*PackagingJob, error)
	Put(ctx context.Context, job *PackagingJob) error
}

// PackageStore is the injectable content-package repository. Packages for a
// content id are replaced wholesale on rotation.
type PackageStore interface {
	Put(ctx context.Context, pkg *ContentPackage) error
	Get(ctx context.Context, contentID, format string) (*ContentPackage, error)
	ListByContent(ctx context.Context, contentID string) ([]*ContentPackage, error)
}

// MemoryJobStore is the in-memory JobStore implementation.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*PackagingJob
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*PackagingJob)}
}

// Get returns the job or ErrPackagingJobNotFound.
func (s *MemoryJobStore) Get(_ context.Context, jobID string) (*PackagingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.ErrPackagingJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Put inserts or replaces a job.
func (s *MemoryJobStore) Put(_ context.Context, job *PackagingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

// MemoryPackageStore is the in-memory PackageStore implementation.
type MemoryPackageStore struct {
	mu       sync.RWMutex
	packages map[string]*ContentPackage // contentID/format
}

// NewMemoryPackageStore creates an empty in-memory package store.
func NewMemoryPackageStore() *MemoryPackageStore {
	return &MemoryPackageStore{packages: make(map[string]*ContentPackage)}
}

func packageKey(contentID, format string) string {
	return contentID + "/" + format
}

// Put inserts or replaces the package for its content id and format.
func (s *MemoryPackageStore) Put(_ context.Context, pkg *ContentPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pkg
	s.packages[packageKey(pkg.ContentID, pkg.Format)] = &cp
	return nil
}

// Get returns the package for the content id and format.
func (s *MemoryPackageStore) Get(_ context.Context, contentID, format string) (*ContentPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkg, ok := s.packages[packageKey(contentID, format)]
	if !ok {
		return nil, apperrors.ErrPackageNotFound
	}
	cp := *pkg
	return &cp, nil
}

// ListByContent returns every package for the content id.
func (s *MemoryPackageStore) ListByContent(_ context.Context, contentID string) ([]*ContentPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ContentPackage
	for _, pkg := range s.packages {
		if pkg.ContentID == contentID {
			cp := *pkg
			out = append(out, &cp)
		}
	}
	return out, nil
}
