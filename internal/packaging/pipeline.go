package packaging

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mediavault/internal/config"
	apperrors "mediavault/internal/errors"
	"mediavault/internal/events"
	"mediavault/internal/keyvault"
)

// KeySource is the vault surface the pipeline consumes. The pipeline never
// caches key material beyond a single operation; every operation re-fetches
// so stale keys are never served after a rotation.
type KeySource interface {
	GenerateKeys(ctx context.Context, contentID string) (*keyvault.ContentKeySet, error)
	Active(ctx context.Context, contentID string) (*keyvault.ContentKeySet, error)
	Rotate(ctx context.Context, contentID string, kind keyvault.RotationKind) (*keyvault.RotationResult, error)
}

// CacheInvalidator purges replaced manifest URLs from the CDN edge.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, urls []string) error
}

// NoopInvalidator satisfies CacheInvalidator when no CDN is wired.
type NoopInvalidator struct{}

// Invalidate implements CacheInvalidator.
func (NoopInvalidator) Invalidate(context.Context, []string) error { return nil }

// PackageRequest describes one packaging run.
type PackageRequest struct {
	ContentID       string      `json:"content_id" validate:"required"`
	TranscodeJobID  string      `json:"transcode_job_id"`
	Renditions      []Rendition `json:"renditions" validate:"required,min=1,dive"`
	DurationSeconds float64     `json:"duration_seconds" validate:"required,gt=0"`
	Formats         []string    `json:"formats"`
	OrganizationID  string      `json:"organization_id"`
	CreatorID       string      `json:"creator_id"`
}

// supportedFormats lists the packaging formats the pipeline can produce.
var supportedFormats = map[string]bool{
	"hls":  true,
	"cmaf": true,
}

// Pipeline drives packaging jobs and manifest regeneration.
type Pipeline struct {
	keys        KeySource
	jobs        JobStore
	packages    PackageStore
	publisher   events.Publisher
	invalidator CacheInvalidator
	cfg         config.PackagingConfig
	logger      *slog.Logger
	now         func() time.Time

	// buildHook, when set, runs before each packaging attempt. Tests use it
	// to inject transient failures.
	buildHook func(attempt int) error
}

// NewPipeline creates a packaging pipeline.
func NewPipeline(keys KeySource, jobs JobStore, packages PackageStore, publisher events.Publisher, invalidator CacheInvalidator, cfg config.PackagingConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if invalidator == nil {
		invalidator = NoopInvalidator{}
	}
	return &Pipeline{
		keys:        keys,
		jobs:        jobs,
		packages:    packages,
		publisher:   publisher,
		invalidator: invalidator,
		cfg:         cfg,
		logger:      logger.With(slog.String("service", "packaging_pipeline")),
		now:         time.Now,
	}
}

// PackageContent packages the renditions under a fresh content key and
// drives the job synchronously to a terminal state, retrying internally up
// to the configured bound with no backoff.
func (p *Pipeline) PackageContent(ctx context.Context, req PackageRequest) (*PackagingJob, error) {
	if len(req.Renditions) == 0 {
		return nil, apperrors.ErrEmptyRenditions
	}
	formats := req.Formats
	if len(formats) == 0 {
		formats = []string{"hls"}
	}
	for _, f := range formats {
		if !supportedFormats[f] {
			return nil, fmt.Errorf("format %q: %w", f, apperrors.ErrUnsupportedFormat)
		}
	}

	// Packaging always starts a new key generation, distinct from rotation
	// of an already packaged asset.
	keySet, err := p.keys.GenerateKeys(ctx, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("generate keys for %s: %w", req.ContentID, err)
	}

	job := &PackagingJob{
		JobID:           uuid.New().String(),
		ContentID:       req.ContentID,
		TranscodeJobID:  req.TranscodeJobID,
		OrganizationID:  req.OrganizationID,
		CreatorID:       req.CreatorID,
		Status:          JobPending,
		KeyID:           keySet.ContentKeyID,
		RotationVersion: keySet.RotationVersion,
		Formats:         formats,
		CreatedAt:       p.now(),
	}
	if err := p.jobs.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("store packaging job: %w", err)
	}

	job.Status = JobProcessing
	_ = p.jobs.Put(ctx, job)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		lastErr = p.runAttempt(ctx, job, req, formats, keySet, attempt)
		if lastErr == nil {
			break
		}
		job.RetryCount++
		job.LastError = lastErr.Error()
		_ = p.jobs.Put(ctx, job)
		p.logger.WarnContext(ctx, "packaging attempt failed",
			slog.String("job_id", job.JobID),
			slog.String("content_id", req.ContentID),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
	}

	if lastErr != nil {
		job.Status = JobFailed
		_ = p.jobs.Put(ctx, job)
		return job, fmt.Errorf("packaging job %s failed after %d attempts: %w", job.JobID, job.RetryCount, lastErr)
	}

	now := p.now()
	job.Status = JobCompleted
	job.CompletedAt = &now
	if err := p.jobs.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("store completed job: %w", err)
	}

	p.publisher.Publish(ctx, events.Event{
		Name:      events.PackageCompleted,
		ContentID: req.ContentID,
		Payload: map[string]any{
			"job_id":           job.JobID,
			"key_id":           job.KeyID,
			"rotation_version": job.RotationVersion,
			"formats":          formats,
		},
		At: now,
	})

	p.logger.InfoContext(ctx, "packaging completed",
		slog.String("job_id", job.JobID),
		slog.String("content_id", req.ContentID),
		slog.String("key_id", job.KeyID),
		slog.Int("formats", len(formats)),
	)
	return job, nil
}

// runAttempt produces and stores all packages for one attempt.
func (p *Pipeline) runAttempt(ctx context.Context, job *PackagingJob, req PackageRequest, formats []string, keySet *keyvault.ContentKeySet, attempt int) error {
	if p.buildHook != nil {
		if err := p.buildHook(attempt); err != nil {
			return err
		}
	}
	job.Packages = job.Packages[:0]
	for _, format := range formats {
		pkg := p.buildPackage(format, req.ContentID, req.Renditions, req.DurationSeconds, keySet)
		if err := p.packages.Put(ctx, pkg); err != nil {
			return fmt.Errorf("store %s package: %w", format, err)
		}
		job.Packages = append(job.Packages, format)
	}
	return nil
}

// buildPackage produces the encrypted segment layout and manifests for one
// format under the given key set.
func (p *Pipeline) buildPackage(format, contentID string, renditions []Rendition, durationSeconds float64, keySet *keyvault.ContentKeySet) *ContentPackage {
	keyURI := fmt.Sprintf("%s/%s", p.cfg.KeyDeliveryBaseURL, keySet.ContentKeyID)
	count := segmentCount(durationSeconds, p.cfg.SegmentDuration)

	pkg := &ContentPackage{
		ContentID:       contentID,
		Format:          format,
		KeyID:           keySet.ContentKeyID,
		KeyURI:          keyURI,
		IV:              hex.EncodeToString(keySet.IV),
		MediaManifests:  make(map[string]string, len(renditions)),
		Renditions:      renditions,
		DurationSeconds: durationSeconds,
		GeneratedAt:     p.now(),
	}

	for _, r := range renditions {
		segments := make([]string, 0, count)
		for i := 0; i < count; i++ {
			name := segmentName(contentID, r.Profile, keySet.ContentKeyID, i)
			segments = append(segments, name)
			pkg.SegmentURLs = append(pkg.SegmentURLs,
				fmt.Sprintf("%s/%s/%s/%s/%s", p.cfg.SegmentBaseURL, contentID, format, r.Profile, name))
		}
		pkg.MediaManifests[r.Profile] = buildMediaPlaylist(keyURI, keySet.IV, durationSeconds, p.cfg.SegmentDuration, segments)
		pkg.ManifestURLs = append(pkg.ManifestURLs, p.manifestURL(contentID, format, r.Profile+".m3u8"))
	}
	pkg.MasterManifest = buildMasterPlaylist(renditions)
	pkg.ManifestURLs = append(pkg.ManifestURLs, p.manifestURL(contentID, format, "master.m3u8"))
	return pkg
}

func (p *Pipeline) manifestURL(contentID, format, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.cfg.SegmentBaseURL, contentID, format, name)
}

// RotateKeys performs a scheduled key rotation and regenerates every
// previously produced manifest for the content under the new key.
// Regeneration is atomic per format; if any format fails the operation
// surfaces ErrPartialManifestRegen, emits no success event, and must be
// retried.
func (p *Pipeline) RotateKeys(ctx context.Context, contentID string) (*keyvault.RotationResult, error) {
	return p.rotate(ctx, contentID, keyvault.RotationScheduled)
}

// EmergencyRotate rotates the key, revokes every outstanding license for the
// content through the vault cascade, and regenerates manifests under the new
// key.
func (p *Pipeline) EmergencyRotate(ctx context.Context, contentID string) (*keyvault.RotationResult, error) {
	return p.rotate(ctx, contentID, keyvault.RotationEmergency)
}

func (p *Pipeline) rotate(ctx context.Context, contentID string, kind keyvault.RotationKind) (*keyvault.RotationResult, error) {
	existing, err := p.packages.ListByContent(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("list packages for %s: %w", contentID, err)
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("content %s has no packages: %w", contentID, apperrors.ErrNoKeysFound)
	}

	result, err := p.keys.Rotate(ctx, contentID, kind)
	if err != nil {
		return nil, fmt.Errorf("rotate keys for %s: %w", contentID, err)
	}
	keySet, err := p.keys.Active(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("fetch rotated key for %s: %w", contentID, err)
	}

	var replacedURLs []string
	var mu pkgURLCollector

	g, gctx := errgroup.WithContext(ctx)
	for _, old := range existing {
		old := old
		g.Go(func() error {
			fresh := p.buildPackage(old.Format, contentID, old.Renditions, old.DurationSeconds, keySet)
			if err := p.packages.Put(gctx, fresh); err != nil {
				return fmt.Errorf("replace %s package: %w", old.Format, err)
			}
			mu.add(fresh.ManifestURLs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("manifest regeneration for %s: %w (%w)", contentID, err, apperrors.ErrPartialManifestRegen)
	}
	replacedURLs = mu.urls()

	if err := p.invalidator.Invalidate(ctx, replacedURLs); err != nil {
		p.logger.WarnContext(ctx, "cache invalidation failed",
			slog.String("content_id", contentID),
			slog.String("error", err.Error()),
		)
	}

	p.publisher.Publish(ctx, events.Event{
		Name:      events.KeyRotated,
		ContentID: contentID,
		Payload: map[string]any{
			"kind":             string(kind),
			"old_key_id":       result.OldKeyID,
			"new_key_id":       result.NewKeyID,
			"rotation_version": result.RotationVersion,
			"manifests":        len(replacedURLs),
		},
		At: p.now(),
	})

	p.logger.InfoContext(ctx, "key rotation with manifest regeneration completed",
		slog.String("content_id", contentID),
		slog.String("new_key_id", result.NewKeyID),
		slog.Int("manifests_replaced", len(replacedURLs)),
	)
	return result, nil
}

// GenerateManifests re-renders the manifests for one format from the stored
// package state under the currently active key.
func (p *Pipeline) GenerateManifests(ctx context.Context, contentID, format string) (*ContentPackage, error) {
	if !supportedFormats[format] {
		return nil, fmt.Errorf("format %q: %w", format, apperrors.ErrUnsupportedFormat)
	}
	old, err := p.packages.Get(ctx, contentID, format)
	if err != nil {
		return nil, err
	}
	keySet, err := p.keys.Active(ctx, contentID)
	if err != nil {
		return nil, err
	}
	fresh := p.buildPackage(format, contentID, old.Renditions, old.DurationSeconds, keySet)
	if err := p.packages.Put(ctx, fresh); err != nil {
		return nil, fmt.Errorf("store regenerated %s package: %w", format, err)
	}
	return fresh, nil
}

// GetJob returns a packaging job by id.
func (p *Pipeline) GetJob(ctx context.Context, jobID string) (*PackagingJob, error) {
	return p.jobs.Get(ctx, jobID)
}

// GetPackage returns the stored package for a content id and format.
func (p *Pipeline) GetPackage(ctx context.Context, contentID, format string) (*ContentPackage, error) {
	return p.packages.Get(ctx, contentID, format)
}

// pkgURLCollector accumulates manifest URLs from concurrent goroutines.
type pkgURLCollector struct {
	mu   sync.Mutex
	list []string
}

func (c *pkgURLCollector) add(urls []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, urls...)
}

func (c *pkgURLCollector) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list
}
