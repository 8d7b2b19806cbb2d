package api

import (
	"errors"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/ElliottDenis/Viewport/internal/logging"
)

// handleFileGet serves a blob from the local storage backend. The request
// must carry a valid HMAC signature minted by SignedGetURL; verification
// happens before any filesystem access.
func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("path")
	q := r.URL.Query()
	if !s.localFiles.Verify(http.MethodGet, key, q.Get("expires"), q.Get("sig")) {
		s.sendError(w, http.StatusForbidden, "FORBIDDEN", "invalid or expired signature")
		return
	}

	rc, err := s.localFiles.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.sendError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
			return
		}
		logging.Error("failed to open local blob", zap.String("key", key), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, rc); err != nil {
		logging.Warn("interrupted blob download", zap.String("key", key), zap.Error(err))
	}
}

// handleFilePut accepts a blob upload against a signed PUT URL minted by
// SignedUploadURL. The body is capped at the configured maximum.
func (s *Server) handleFilePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("path")
	q := r.URL.Query()
	if !s.localFiles.Verify(http.MethodPut, key, q.Get("expires"), q.Get("sig")) {
		s.sendError(w, http.StatusForbidden, "FORBIDDEN", "invalid or expired signature")
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxFileBytes)
	defer body.Close()

	if err := s.localFiles.PutObject(r.Context(), key, body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "upload exceeds the size limit")
			return
		}
		logging.Error("failed to store local blob", zap.String("key", key), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	w.WriteHeader(http.StatusCreated)
}
