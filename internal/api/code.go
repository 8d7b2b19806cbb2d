package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ElliottDenis/Viewport/internal/logging"
)

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.PathValue("code")))
	pin := r.URL.Query().Get("pin")

	content, err := s.protocol.Lookup(r.Context(), code, pin, s.caller(r))
	if err != nil {
		s.sendProtocolError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, contentResponse(content))
}

func (s *Server) handleCodeMeta(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.PathValue("code")))

	meta, err := s.protocol.Meta(r.Context(), code)
	if err != nil {
		s.sendProtocolError(w, err)
		return
	}
	resp := map[string]interface{}{
		"kind":           meta.Kind,
		"pin_protected":  meta.PinProtected,
		"account_scoped": meta.AccountScoped,
	}
	if meta.Title != "" {
		resp["title"] = meta.Title
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.PathValue("code")))

	var req struct {
		Pin string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	if err := s.protocol.VerifyPin(r.Context(), code, req.Pin); err != nil {
		s.sendProtocolError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListVerifiedAccounts(r.Context())
	if err != nil {
		logging.Error("failed to list accounts", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	out := make([]map[string]interface{}, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, map[string]interface{}{
			"id":           a.ID,
			"role":         a.Role,
			"display_name": a.DisplayName,
			"slug":         a.Slug,
		})
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
}
