// Package local provides a filesystem storage backend with HMAC-signed URLs.
//
// Unlike S3 there is no external service to presign against, so the backend
// mints its own URLs: /files/{key}?expires=<unix>&sig=<hmac>. The API server
// mounts a handler that calls Verify before touching the filesystem.
package local

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ElliottDenis/Viewport/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	// RootPath is the directory blobs are stored under.
	RootPath string

	// BaseURL is the public prefix signed URLs are built on,
	// e.g. "https://host/files".
	BaseURL string

	// SigningSecret keys the HMAC over method, key and expiry.
	SigningSecret string
}

// Backend implements storage.Backend on the local filesystem.
type Backend struct {
	rootPath string
	baseURL  string
	secret   []byte
}

// New creates a local backend, creating the root directory if needed.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if err := os.MkdirAll(cfg.RootPath, 0755); err != nil {
		return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
	}
	return &Backend{
		rootPath: cfg.RootPath,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		secret:   []byte(cfg.SigningSecret),
	}, nil
}

func (b *Backend) fullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("key %q escapes storage root", key)
	}
	return filepath.Join(b.rootPath, clean), nil
}

// ─── Signing ────────────────────────────────────────────────────────────────

func (b *Backend) sign(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, b.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *Backend) signedURL(method, key string, ttl time.Duration) string {
	expires := time.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", b.sign(method, key, expires))
	return b.baseURL + "/" + escapeKey(key) + "?" + q.Encode()
}

// escapeKey escapes each path segment of the key. Filenames may legally
// carry URL-reserved characters ('#', '?', '%'); without escaping, client
// URL parsing truncates the key and the signature never verifies. The mux
// unescapes segments, so Verify still runs over the raw key.
func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// Verify checks a signature minted by signedURL. Used by the /files handler.
func (b *Backend) Verify(method, key, expiresStr, sig string) bool {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > expires {
		return false
	}
	expected := b.sign(method, key, expires)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// SignedUploadURL returns a URL that accepts a PUT within ttl.
func (b *Backend) SignedUploadURL(_ context.Context, key, _ string, ttl time.Duration) (string, error) {
	return b.signedURL("PUT", key, ttl), nil
}

// SignedGetURL returns a URL that serves the object within ttl.
func (b *Backend) SignedGetURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	return b.signedURL("GET", key, ttl), nil
}

// ─── File I/O ───────────────────────────────────────────────────────────────

// PutObject writes content atomically via temp file and rename.
// Called by the /files handler after Verify.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader) error {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("put", time.Since(start)) }()

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".viewport-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// Open returns a reader over the stored object.
// Called by the /files handler after Verify.
func (b *Backend) Open(_ context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("get", time.Since(start)) }()

	path, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// ObjectSize returns the file size in bytes.
func (b *Backend) ObjectSize(_ context.Context, key string) (int64, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), nil
}

// ObjectExists checks if a file exists at the given key.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// DeleteObject removes a file. Missing files are not an error.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	start := time.Now()
	defer func() { metrics.RecordBlobOperation("delete", time.Since(start)) }()

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
