// Package storage defines the Backend interface for blob storage.
//
// Backends never stream content through the API server. They hand out
// short-lived signed URLs for direct upload and download, and answer the
// size and existence questions the confirmation step needs.
package storage

import (
	"context"
	"time"
)

// Backend is the interface for blob storage backends.
// Metadata (codes, PINs, expiry) is handled separately by the store.
type Backend interface {
	// SignedUploadURL returns a URL that accepts a single PUT of the
	// object within ttl.
	SignedUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	// SignedGetURL returns a URL that serves the object within ttl.
	SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ObjectSize returns the stored size of the object in bytes.
	ObjectSize(ctx context.Context, key string) (int64, error)

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// DeleteObject removes an object by key.
	DeleteObject(ctx context.Context, key string) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
