// Viewport Server
//
// Short-lived, code-addressable content sharing: upload text or a file,
// hand out a 6-character code (plus an optional 4-digit PIN), and the
// recipient redeems the code for the content before it expires.
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ElliottDenis/Viewport/internal/api"
	"github.com/ElliottDenis/Viewport/internal/authz"
	"github.com/ElliottDenis/Viewport/internal/config"
	"github.com/ElliottDenis/Viewport/internal/events"
	"github.com/ElliottDenis/Viewport/internal/identity"
	"github.com/ElliottDenis/Viewport/internal/logging"
	"github.com/ElliottDenis/Viewport/internal/metrics"
	"github.com/ElliottDenis/Viewport/internal/redemption"
	"github.com/ElliottDenis/Viewport/internal/storage"
	"github.com/ElliottDenis/Viewport/internal/storage/local"
	"github.com/ElliottDenis/Viewport/internal/store/postgres"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Viewport Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	pg, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer pg.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := pg.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Initialize identity (token issuing + verification)
	identityHandler := identity.New(pg.DB(), cfg.JWTSecret)
	if cfg.OIDCIssuerURL != "" {
		verifier, err := identity.NewOIDCVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			logging.Fatal("OIDC verifier init failed", zap.Error(err))
		}
		identityHandler = identityHandler.WithOIDC(verifier)
		logging.Info("OIDC verifier initialized", zap.String("issuer", cfg.OIDCIssuerURL))
	}

	// Initialize blob storage backend
	backend, err := storage.NewBackendFromConfig(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("storage backend initialized", zap.String("type", backend.Type()))

	// Local backend serves its own signed /files endpoints.
	localFiles, _ := backend.(*local.Backend)

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	// Wire the redemption protocol
	protocol := redemption.New(pg, backend, authz.New(pg), broadcaster, redemption.Config{
		CodeLength:        cfg.CodeLength,
		MaxFileBytes:      cfg.MaxFileBytes,
		SignedURLTTL:      cfg.SignedURLTTL,
		PinAttemptsPerMin: cfg.PinAttemptsPerMin,
	})

	// Create API server
	srv := api.NewServer(protocol, pg, identityHandler, broadcaster, localFiles, cfg)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pg.UpdateConnectionMetrics()
				if live, err := pg.CountLiveObjects(ctx); err == nil {
					metrics.SetObjectsLive(live)
				}
			}
		}
	}()

	// Start periodic expired-object purge
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := protocol.PurgeExpired(ctx)
				if err != nil {
					logging.Error("expiry purge failed", zap.Error(err))
					continue
				}
				if purged > 0 {
					logging.Info("purged expired objects", zap.Int("count", purged))
				}
			}
		}
	}()

	// Start periodic PIN rate limiter cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				protocol.Limiter().Cleanup(24 * time.Hour)
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
