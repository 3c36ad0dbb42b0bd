// Package app is the composition root: it wires configuration, logging,
// telemetry, the domain services and the HTTP server, and owns the process
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"mediavault/internal/config"
	"mediavault/internal/device"
	"mediavault/internal/events"
	"mediavault/internal/infrastructure"
	"mediavault/internal/keyvault"
	"mediavault/internal/license"
	"mediavault/internal/packaging"
	transport "mediavault/internal/transport/http"
)

// Application holds every wired component of the service.
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	OTel     *infrastructure.OTelProviders
	Router   *chi.Mux
	Server   *http.Server
	Vault    *keyvault.Vault
	Registry *device.Registry
	Pipeline *packaging.Pipeline
	Licenses *license.Manager
	Sweeper  *license.Sweeper

	redisClient *redis.Client
}

// NewApplication loads configuration and wires the full dependency graph.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig wires the dependency graph onto an already loaded
// configuration.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Info("application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion),
	)

	otelProviders, err := infrastructure.InitializeOTel(logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	app := &Application{
		Config: cfg,
		Logger: logger,
		OTel:   otelProviders,
	}
	if err := app.initializeServices(); err != nil {
		return nil, err
	}
	app.setupRouter()
	app.createServer()
	return app, nil
}

// initializeServices builds the domain components in dependency order and
// binds the revocation cascades.
func (a *Application) initializeServices() error {
	cfg := a.Config
	publisher := events.NewLogPublisher(a.Logger)

	wrapper, err := keyvault.NewLocalKeyWrapper([]byte(cfg.Security.MasterKeySeed))
	if err != nil {
		return fmt.Errorf("initialize key wrapper: %w", err)
	}
	a.Vault = keyvault.NewVault(wrapper, a.Logger)

	a.Registry = device.NewRegistry(device.NewMemoryStore(), cfg.DRM.MaxDevicesPerUser, a.Logger)

	sessions, err := a.sessionStore()
	if err != nil {
		return err
	}

	a.Licenses = license.NewManager(
		license.NewMemoryLicenseStore(),
		sessions,
		a.Vault,
		a.Registry,
		license.NewTicketVerifier(cfg.Security.TicketSecret),
		license.DefaultSigners(),
		publisher,
		cfg.DRM,
		cfg.Security.LicenseSecret,
		a.Logger,
	)
	// Cascades are bound after construction to break the cycles between the
	// registry, the vault and the license manager.
	a.Registry.BindLicenseRevoker(a.Licenses)
	a.Vault.BindLicenseRevoker(a.Licenses)

	a.Pipeline = packaging.NewPipeline(
		a.Vault,
		packaging.NewMemoryJobStore(),
		packaging.NewMemoryPackageStore(),
		publisher,
		nil,
		cfg.Packaging,
		a.Logger,
	)

	a.Sweeper = license.NewSweeper(a.Licenses, cfg.DRM.SweepInterval, a.Logger)
	return nil
}

// sessionStore selects Redis-backed sessions when an address is configured,
// in-memory otherwise.
func (a *Application) sessionStore() (license.SessionStore, error) {
	if a.Config.Redis.Addr == "" {
		return license.NewMemorySessionStore(), nil
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", a.Config.Redis.Addr, err)
	}
	a.Logger.Info("using redis session store", slog.String("addr", a.Config.Redis.Addr))
	return license.NewRedisSessionStore(a.redisClient), nil
}

func (a *Application) setupRouter() {
	a.Router = transport.NewRouter(transport.RouterConfig{
		Devices:   a.Registry,
		Licenses:  a.Licenses,
		Keys:      a.Vault,
		Packaging: a.Pipeline,
		Metrics:   a.OTel.PrometheusHTTP,
		Version:   infrastructure.ServiceVersion,
		RateLimit: a.Config.Security.RateLimit,
		Logger:    a.Logger,
	})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves until the context is cancelled or a termination signal arrives,
// then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go a.Sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutdown initiated")
	return a.Shutdown()
}

// Shutdown stops the server, flushes telemetry and closes external
// connections.
func (a *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}
	if err := a.OTel.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close redis: %w", err)
		}
	}
	a.Logger.Info("shutdown complete")
	return firstErr
}
