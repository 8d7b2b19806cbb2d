// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/ElliottDenis/Viewport/internal/authz"
	"github.com/ElliottDenis/Viewport/internal/config"
	"github.com/ElliottDenis/Viewport/internal/events"
	"github.com/ElliottDenis/Viewport/internal/identity"
	"github.com/ElliottDenis/Viewport/internal/logging"
	"github.com/ElliottDenis/Viewport/internal/metrics"
	"github.com/ElliottDenis/Viewport/internal/redemption"
	"github.com/ElliottDenis/Viewport/internal/storage/local"
	"github.com/ElliottDenis/Viewport/internal/store"
	"github.com/ElliottDenis/Viewport/webapp"
)

// Server is the HTTP server.
type Server struct {
	protocol *redemption.Protocol
	store    store.Store
	identity *identity.Identity
	config   *config.Config

	// SSE
	broadcaster *events.Broadcaster

	// Set when the local storage backend is in use; serves /files/.
	localFiles *local.Backend
}

// NewServer creates a new server. localFiles and broadcaster may be nil.
func NewServer(
	protocol *redemption.Protocol,
	st store.Store,
	identityHandler *identity.Identity,
	broadcaster *events.Broadcaster,
	localFiles *local.Backend,
	cfg *config.Config,
) *Server {
	return &Server{
		protocol:    protocol,
		store:       st,
		identity:    identityHandler,
		broadcaster: broadcaster,
		localFiles:  localFiles,
		config:      cfg,
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.identity.HandleLogin)
	mux.HandleFunc("POST /api/v1/accounts/signup", s.identity.HandleSignup)

	// Redeem web page (no auth — redemption happens via the API)
	// WEBAPP_DIR overrides embedded assets for live-reload during development
	var appHandler http.Handler
	if dir := os.Getenv("WEBAPP_DIR"); dir != "" {
		appHandler = http.StripPrefix("/app/", http.FileServer(http.Dir(dir)))
	} else {
		appFS, _ := fs.Sub(webapp.Assets, ".")
		appHandler = http.StripPrefix("/app/", http.FileServer(http.FS(appFS)))
	}
	mux.Handle("/app/", appHandler)
	mux.HandleFunc("GET /app", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app/", http.StatusMovedPermanently)
	})

	// Local backend file endpoints; each request carries its own HMAC
	// signature, no bearer token involved.
	if s.localFiles != nil {
		mux.HandleFunc("GET /files/{path...}", s.handleFileGet)
		mux.HandleFunc("PUT /files/{path...}", s.handleFilePut)
	}

	// Redemption endpoints: anonymous callers are welcome, but a bearer
	// token is honored when present so account-scoped objects resolve.
	open := http.NewServeMux()
	open.HandleFunc("POST /api/v1/objects", s.handleCreateObject)
	open.HandleFunc("POST /api/v1/objects/{id}/upload-url", s.handleUploadURL)
	open.HandleFunc("POST /api/v1/objects/{id}/confirm", s.handleConfirmUpload)
	open.HandleFunc("GET /api/v1/objects/{id}/meta", s.handleObjectInfo)
	open.HandleFunc("POST /api/v1/objects/{id}/access", s.handleAccessByID)
	open.HandleFunc("DELETE /api/v1/objects/{id}", s.handleDeleteObject)
	open.HandleFunc("GET /api/v1/code/{code}", s.handleLookup)
	open.HandleFunc("GET /api/v1/code/{code}/meta", s.handleCodeMeta)
	open.HandleFunc("POST /api/v1/code/{code}/verify", s.handleVerifyPin)
	mux.Handle("/api/v1/objects", s.identity.OptionalMiddleware(open))
	mux.Handle("/api/v1/objects/", s.identity.OptionalMiddleware(open))
	mux.Handle("/api/v1/code/", s.identity.OptionalMiddleware(open))

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/accounts", s.handleListAccounts)
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.Handle("/api/v1/accounts", s.identity.Middleware(protected))
	mux.Handle("/api/v1/events", s.identity.Middleware(protected))

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

// caller resolves the authenticated caller from the request context.
// Nil for anonymous requests.
func (s *Server) caller(r *http.Request) *authz.Caller {
	claims := identity.GetClaims(r.Context())
	if claims == nil {
		return nil
	}
	return &authz.Caller{UserID: claims.UserID}
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "NOT_FOUND", "event stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "INTERNAL", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Errors ─────────────────────────────────────────────────────────────────

func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

// sendProtocolError maps a redemption error to the wire. PIN_REQUIRED
// carries the pin_protected flag so clients know to re-prompt.
func (s *Server) sendProtocolError(w http.ResponseWriter, err error) {
	var pe *redemption.Error
	if !errors.As(err, &pe) {
		s.sendError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(pe.RetryAfter))
	}
	w.WriteHeader(pe.StatusCode())
	resp := map[string]interface{}{
		"error": pe.Message,
		"code":  pe.Code,
	}
	if pe.PinProtected {
		resp["pin_protected"] = true
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
