package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"mediavault/internal/config"
	"mediavault/internal/middleware"
)

// RouterConfig carries everything the router needs.
type RouterConfig struct {
	Devices   DeviceService
	Licenses  LicenseService
	Keys      KeyService
	Packaging PackagingService
	// Metrics serves the Prometheus scrape endpoint. Optional.
	Metrics   http.Handler
	Version   string
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

// NewRouter assembles the full API surface with the middleware chain.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	if cfg.RateLimit.Enabled {
		r.Use(middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger).Handler)
	}

	health := NewHealthHandler(cfg.Version)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	deviceHandler := NewDeviceHandler(cfg.Devices, logger)
	licenseHandler := NewLicenseHandler(cfg.Licenses, logger)
	keyHandler := NewKeyHandler(cfg.Keys, cfg.Licenses, logger)
	packagingHandler := NewPackagingHandler(cfg.Packaging, logger)

	r.Route("/api", func(api chi.Router) {
		api.Mount("/devices", deviceHandler.Routes())
		api.Mount("/licenses", licenseHandler.Routes())
		api.Mount("/sessions", licenseHandler.SessionRoutes())
		api.Mount("/keys", keyHandler.Routes())
		api.Mount("/packaging", packagingHandler.Routes())
		api.Route("/content/{contentID}", func(c chi.Router) {
			c.Post("/keys", keyHandler.Generate)
			c.Post("/package", packagingHandler.Package)
			c.Post("/rotate", packagingHandler.Rotate)
			c.Get("/packages/{format}", packagingHandler.GetPackage)
			c.Get("/manifests/{format}", packagingHandler.GetManifest)
			c.Post("/manifests/{format}/regenerate", packagingHandler.RegenerateManifests)
		})
	})

	return r
}
