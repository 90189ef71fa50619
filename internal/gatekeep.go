package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/gatekeep/internal/auth"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/cookie"
	"github.com/dgellow/gatekeep/internal/idp"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/metrics"
	"github.com/dgellow/gatekeep/internal/moderation"
	"github.com/dgellow/gatekeep/internal/rbac"
	"github.com/dgellow/gatekeep/internal/revocation"
	"github.com/dgellow/gatekeep/internal/role"
	"github.com/dgellow/gatekeep/internal/server"
	"github.com/dgellow/gatekeep/internal/session"
	"github.com/dgellow/gatekeep/internal/sessiontoken"
	"github.com/dgellow/gatekeep/internal/storage"
)

// Gatekeep is the assembled application: storage, deny-list, services and
// the HTTP server in front of them.
type Gatekeep struct {
	config     config.Config
	httpServer *server.HTTPServer
	storage    storage.Storage
	denyList   revocation.DenyList
}

// New builds every component from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg config.Config) (*Gatekeep, error) {
	log.LogInfoWithFields("gatekeep", "Building application", map[string]any{
		"baseURL":    cfg.Server.BaseURL,
		"storage":    string(cfg.Storage.Kind),
		"revocation": string(cfg.Revocation.Kind),
	})

	store, err := setupStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	denyList, err := setupRevocation(ctx, cfg.Revocation)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup revocation: %w", err)
	}

	handler, err := buildHTTPHandler(cfg, store, denyList)
	if err != nil {
		closeIfCloser(denyList)
		_ = store.Close()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &Gatekeep{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		storage:    store,
		denyList:   denyList,
	}, nil
}

// Run serves until SIGINT, SIGTERM or a server error, then shuts down
// gracefully.
func (g *Gatekeep) Run() error {
	log.LogInfoWithFields("gatekeep", "Starting gatekeep", map[string]any{
		"addr": g.config.Server.Addr,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := g.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("gatekeep", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("gatekeep", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("gatekeep", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := g.httpServer.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := g.Close(); err != nil {
		errs = append(errs, err)
	}

	log.LogInfoWithFields("gatekeep", "Shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return errors.Join(errs...)
}

// Close releases storage and deny-list connections.
func (g *Gatekeep) Close() error {
	var errs []error
	if err := g.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if c, ok := g.denyList.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("revocation: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SetRole changes the role of the profile owned by providerID. It is the
// operator path for granting and removing admin rights.
func SetRole(ctx context.Context, cfg config.Config, providerID string, r role.Role) error {
	if !r.Valid() {
		return fmt.Errorf("unknown role %q", r)
	}
	store, err := setupStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to setup storage: %w", err)
	}
	defer store.Close()

	if err := store.SetRole(ctx, providerID, r); err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	log.LogInfoWithFields("gatekeep", "Role updated", map[string]any{
		"provider_id": providerID,
		"role":        string(r),
	})
	return nil
}

func setupStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Kind {
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.GCPProject,
			"database": cfg.FirestoreDatabase,
		})
		return storage.NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.ProfilesCollection, cfg.EntitiesCollection)
	case config.StoragePostgres:
		log.LogInfoWithFields("storage", "Using Postgres storage", nil)
		return storage.NewPostgresStorage(ctx, string(cfg.DSN))
	case config.StorageSQLite:
		log.LogInfoWithFields("storage", "Using SQLite storage", nil)
		return storage.NewSQLiteStorage(ctx, string(cfg.DSN))
	case config.StorageMemory, "":
		log.LogInfoWithFields("storage", "Using in-memory storage", nil)
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

func setupRevocation(ctx context.Context, cfg config.RevocationConfig) (revocation.DenyList, error) {
	switch cfg.Kind {
	case config.RevocationRedis:
		log.LogInfoWithFields("revocation", "Using Redis deny-list", map[string]any{
			"addr": cfg.RedisAddr,
		})
		return revocation.NewRedisDenyList(ctx, revocation.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  string(cfg.RedisPassword),
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	case config.RevocationNone:
		log.LogWarnWithFields("revocation", "Session token revocation is disabled", nil)
		return revocation.Noop{}, nil
	case config.RevocationMemory, "":
		return revocation.NewMemoryDenyList(), nil
	default:
		return nil, fmt.Errorf("unknown revocation kind %q", cfg.Kind)
	}
}

func buildHTTPHandler(cfg config.Config, store storage.Storage, denyList revocation.DenyList) (http.Handler, error) {
	tokens, err := sessiontoken.NewSigner([]byte(cfg.Session.SigningSecret), cfg.Session.Issuer, cfg.Session.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create session token signer: %w", err)
	}

	provider := idp.NewTwitch(cfg.Provider)
	resolver := rbac.NewResolver(store)
	validator := session.NewValidator(provider, tokens, denyList)

	authService, err := auth.NewService(cfg.Session, provider, store, tokens, resolver, denyList)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}
	mod := moderation.NewService(rbac.NewGate(validator, resolver), store)

	handler := server.NewHandler(server.Routes{
		LoginPath:         cfg.Session.LoginPath,
		CallbackPath:      cfg.CallbackPath(),
		LandingPath:       cfg.Session.LandingPath,
		ProtectedPrefixes: cfg.Session.ProtectedPrefixes,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, server.Deps{
		Auth:       authService,
		Validator:  validator,
		Resolver:   resolver,
		Moderation: mod,
		Profiles:   store,
		Sessions:   cookie.NewStore(cfg.Session, cfg.CallbackPath()),
		Metrics:    metrics.New(),

		HealthChecks: healthChecks(store, denyList),
	})
	return handler, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthChecks probes the backends that hold a network connection.
func healthChecks(store storage.Storage, denyList revocation.DenyList) map[string]server.HealthCheck {
	checks := make(map[string]server.HealthCheck)
	if p, ok := store.(pinger); ok {
		checks["storage"] = p.Ping
	}
	if p, ok := denyList.(pinger); ok {
		checks["revocation"] = p.Ping
	}
	return checks
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
