package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ElliottDenis/Viewport/internal/redemption"
	"github.com/ElliottDenis/Viewport/internal/store"
)

// createObjectRequest is the wire shape for POST /api/v1/objects.
type createObjectRequest struct {
	Kind               string `json:"kind"`
	Title              string `json:"title,omitempty"`
	TextContent        string `json:"text_content,omitempty"`
	Filename           string `json:"filename,omitempty"`
	MimeType           string `json:"mime_type,omitempty"`
	Bytes              int64  `json:"bytes,omitempty"`
	RecipientAccountID string `json:"recipient_account_id,omitempty"`
	Channel            string `json:"channel,omitempty"`
	PinProtected       *bool  `json:"pin_protected,omitempty"`
	ViewLimit          int    `json:"view_limit,omitempty"`
	OneShot            bool   `json:"one_shot,omitempty"`
	ExpiresInSec       int64  `json:"expires_in_sec,omitempty"`
	PinExpiresInSec    int64  `json:"pin_expires_in_sec,omitempty"`
}

func (s *Server) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	var req createObjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	create := redemption.CreateRequest{
		Kind:               store.Kind(req.Kind),
		Title:              req.Title,
		TextContent:        req.TextContent,
		Filename:           req.Filename,
		MimeType:           req.MimeType,
		Bytes:              req.Bytes,
		RecipientAccountID: req.RecipientAccountID,
		Channel:            req.Channel,
		PinProtected:       req.PinProtected,
		ViewLimit:          req.ViewLimit,
		OneShot:            req.OneShot,
	}
	now := time.Now()
	if req.ExpiresInSec > 0 {
		t := now.Add(time.Duration(req.ExpiresInSec) * time.Second)
		create.ExpiresAt = &t
	}
	if req.PinExpiresInSec > 0 {
		t := now.Add(time.Duration(req.PinExpiresInSec) * time.Second)
		create.PinExpiresAt = &t
	}

	res, err := s.protocol.Create(r.Context(), create, s.caller(r))
	if err != nil {
		s.sendProtocolError(w, err)
		return
	}

	resp := map[string]interface{}{
		"id":   res.ID,
		"code": res.Code,
	}
	if res.StoragePath != "" {
		resp["storage_path"] = res.StoragePath
	}
	if res.Pin != "" {
		// The only time the plaintext PIN ever leaves the server.
		resp["pin"] = res.Pin
	}
	s.sendJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.protocol.UploadURL(r.Context(), r.PathValue("id"), s.caller(r))
	if err != nil {
		s.sendProtocolError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"upload_url": url})
}

func (s *Server) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	res, err := s.protocol.ConfirmUpload(r.Context(), r.PathValue("id"), s.caller(r))
	if err != nil {
		s.sendProtocolError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"id":    res.ID,
		"kind":  res.Kind,
		"bytes": res.Bytes,
	})
}

func (s *Server) handleObjectInfo(w http.ResponseWriter, r *http.Request) {
	obj, err := s.protocol.ObjectInfo(r.Context(), r.PathValue("id"), s.caller(r))
	if err != nil {
		s.sendProtocolError(w, err)
		return
	}

	resp := map[string]interface{}{
		"id":            obj.ID,
		"code":          obj.Code,
		"kind":          obj.Kind,
		"title":         obj.Title,
		"mime_type":     obj.MimeType,
		"bytes":         obj.Bytes,
		"channel":       obj.Channel,
		"pin_protected": obj.PinProtected,
		"view_limit":    obj.ViewLimit,
		"views_used":    obj.ViewsUsed,
		"one_shot":      obj.OneShot,
		"created_at":    obj.CreatedAt,
	}
	if obj.RecipientAccountID != "" {
		resp["recipient_account_id"] = obj.RecipientAccountID
	}
	if obj.ExpiresAt != nil {
		resp["expires_at"] = obj.ExpiresAt
	}
	if obj.PinExpiresAt != nil {
		resp["pin_expires_at"] = obj.PinExpiresAt
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccessByID(w http.ResponseWriter, r *http.Request) {
	content, err := s.protocol.AccessByID(r.Context(), r.PathValue("id"), s.caller(r))
	if err != nil {
		s.sendProtocolError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, contentResponse(content))
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	if err := s.protocol.Delete(r.Context(), r.PathValue("id"), s.caller(r)); err != nil {
		s.sendProtocolError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"id":      r.PathValue("id"),
		"deleted": true,
	})
}

// contentResponse flattens redeemed content for the wire. Exactly one of
// text or url is present, matching the object's kind.
func contentResponse(c *redemption.Content) map[string]interface{} {
	resp := map[string]interface{}{"kind": c.Kind}
	if c.Title != "" {
		resp["title"] = c.Title
	}
	if c.Kind == store.KindText {
		resp["text"] = c.Text
	} else {
		resp["url"] = c.URL
		if c.MimeType != "" {
			resp["mime_type"] = c.MimeType
		}
	}
	return resp
}
