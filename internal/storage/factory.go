package storage

import (
	"context"
	"fmt"

	"github.com/ElliottDenis/Viewport/internal/config"
	"github.com/ElliottDenis/Viewport/internal/storage/local"
	s3backend "github.com/ElliottDenis/Viewport/internal/storage/s3"
)

// NewBackendFromConfig creates a Backend from the service configuration.
func NewBackendFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "local":
		return local.New(local.Config{
			RootPath:      cfg.LocalStoragePath,
			BaseURL:       cfg.PublicBaseURL + "/files",
			SigningSecret: cfg.URLSigningSecret,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}
