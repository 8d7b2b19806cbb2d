package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ElliottDenis/Viewport/internal/config"
	"github.com/ElliottDenis/Viewport/internal/events"
	"github.com/ElliottDenis/Viewport/internal/identity"
	"github.com/ElliottDenis/Viewport/internal/redemption"
	"github.com/ElliottDenis/Viewport/internal/storage/local"
	"github.com/ElliottDenis/Viewport/internal/store"
	"github.com/ElliottDenis/Viewport/internal/store/memory"
)

const testJWTSecret = "test-secret"

type testEnv struct {
	handler http.Handler
	store   *memory.Store
	files   *local.Backend
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvPinLimit(t, 100)
}

func newTestEnvPinLimit(t *testing.T, pinAttemptsPerMin int) *testEnv {
	t.Helper()

	st := memory.New()
	files, err := local.New(local.Config{
		RootPath:      t.TempDir(),
		BaseURL:       "http://localhost:8080/files",
		SigningSecret: "files-secret",
	})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}

	cfg := &config.Config{MaxFileBytes: 1 << 20}
	protocol := redemption.New(st, files, nil, events.NewBroadcaster(), redemption.Config{
		CodeLength:        6,
		MaxFileBytes:      cfg.MaxFileBytes,
		SignedURLTTL:      5 * time.Minute,
		PinAttemptsPerMin: pinAttemptsPerMin,
	})
	srv := NewServer(protocol, st, identity.New(nil, testJWTSecret), events.NewBroadcaster(), files, cfg)
	return &testEnv{handler: srv.Handler(), store: st, files: files}
}

// mintToken issues a bearer token the way the login handler would.
func mintToken(t *testing.T, userID string) string {
	t.Helper()
	claims := &identity.Claims{
		UserID:   userID,
		Username: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "viewport",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func (e *testEnv) createText(t *testing.T, token string, extra map[string]interface{}) (id, code string, body map[string]interface{}) {
	t.Helper()
	req := map[string]interface{}{
		"kind":         "text",
		"text_content": "hello there",
	}
	for k, v := range extra {
		req[k] = v
	}
	w := e.do(t, http.MethodPost, "/api/v1/objects", token, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)
	return body["id"].(string), body["code"].(string), body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "ok" {
		t.Errorf("status field = %v", got)
	}
}

func TestTextRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	_, code, body := env.createText(t, "", nil)

	if len(code) != 6 {
		t.Errorf("code length = %d, want 6", len(code))
	}
	if _, ok := body["pin"]; ok {
		t.Error("unprotected object should not return a pin")
	}

	w := env.do(t, http.MethodGet, "/api/v1/code/"+code, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup: status %d body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["text"] != "hello there" {
		t.Errorf("text = %v", got["text"])
	}
	if got["kind"] != "text" {
		t.Errorf("kind = %v", got["kind"])
	}
}

func TestLookupUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/code/ZZZZZZ", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := decodeBody(t, w)["code"]; got != "NOT_FOUND" {
		t.Errorf("error code = %v", got)
	}
}

func TestLookupCodeCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	_, code, _ := env.createText(t, "", nil)

	w := env.do(t, http.MethodGet, "/api/v1/code/"+strings.ToLower(code), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lowercase lookup: status %d body %s", w.Code, w.Body.String())
	}
}

func TestPinFlow(t *testing.T) {
	env := newTestEnv(t)
	_, code, body := env.createText(t, "", map[string]interface{}{"pin_protected": true})

	pin, ok := body["pin"].(string)
	if !ok || len(pin) != 4 {
		t.Fatalf("expected 4-digit pin in create response, got %v", body["pin"])
	}

	// Missing PIN: 401 with the re-prompt flag.
	w := env.do(t, http.MethodGet, "/api/v1/code/"+code, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no pin: status %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["code"] != "PIN_REQUIRED" {
		t.Errorf("error code = %v", got["code"])
	}
	if got["pin_protected"] != true {
		t.Errorf("pin_protected flag missing: %v", got)
	}

	// Wrong PIN.
	wrong := "0000"
	if wrong == pin {
		wrong = "0001"
	}
	w = env.do(t, http.MethodGet, "/api/v1/code/"+code+"?pin="+wrong, "", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong pin: status %d", w.Code)
	}

	// Verify endpoint does not consume a view.
	w = env.do(t, http.MethodPost, "/api/v1/code/"+code+"/verify", "", map[string]string{"pin": pin})
	if w.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", w.Code, w.Body.String())
	}

	// Correct PIN redeems.
	w = env.do(t, http.MethodGet, "/api/v1/code/"+code+"?pin="+pin, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("correct pin: status %d body %s", w.Code, w.Body.String())
	}
}

func TestPinRateLimitRetryAfter(t *testing.T) {
	env := newTestEnvPinLimit(t, 2)
	_, code, body := env.createText(t, "", map[string]interface{}{"pin_protected": true})

	wrong := "0000"
	if body["pin"].(string) == wrong {
		wrong = "0001"
	}
	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodGet, "/api/v1/code/"+code+"?pin="+wrong, "", nil)
		if w.Code != http.StatusForbidden {
			t.Fatalf("attempt %d: status %d", i+1, w.Code)
		}
	}

	w := env.do(t, http.MethodGet, "/api/v1/code/"+code+"?pin="+wrong, "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled attempt: status %d body %s", w.Code, w.Body.String())
	}
	retryAfter := w.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("429 response missing Retry-After header")
	}
	if secs, err := strconv.Atoi(retryAfter); err != nil || secs < 1 {
		t.Errorf("Retry-After = %q, want integer seconds >= 1", retryAfter)
	}
}

func TestCodeMeta(t *testing.T) {
	env := newTestEnv(t)
	_, code, _ := env.createText(t, "", map[string]interface{}{
		"pin_protected": true,
		"title":         "notes",
		"view_limit":    1,
	})

	w := env.do(t, http.MethodGet, "/api/v1/code/"+code+"/meta", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("meta: status %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["pin_protected"] != true {
		t.Errorf("pin_protected = %v", got["pin_protected"])
	}
	if got["title"] != "notes" {
		t.Errorf("title = %v", got["title"])
	}
	if _, ok := got["text"]; ok {
		t.Error("meta must not carry content")
	}

	// Meta consumed no view; the single allowed lookup still succeeds.
	// (The object is pin protected, so it needs the pin, but the pin is
	// not returned by meta. Use a fresh unprotected object instead.)
	_, code2, _ := env.createText(t, "", map[string]interface{}{"view_limit": 1})
	env.do(t, http.MethodGet, "/api/v1/code/"+code2+"/meta", "", nil)
	w = env.do(t, http.MethodGet, "/api/v1/code/"+code2, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup after meta: status %d", w.Code)
	}
}

func TestAccountScopedLookup(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddAccount(store.Account{ID: "acct-1", Role: store.RoleInfluencer, Verified: true})
	env.store.AddMember("acct-1", "member-1")

	_, code, _ := env.createText(t, "", map[string]interface{}{
		"recipient_account_id": "acct-1",
		"pin_protected":        false,
	})

	w := env.do(t, http.MethodGet, "/api/v1/code/"+code, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d, want 401", w.Code)
	}
	if got := decodeBody(t, w)["code"]; got != "AUTH_REQUIRED" {
		t.Errorf("error code = %v", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/code/"+code, mintToken(t, "stranger"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger: status %d, want 403", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/code/"+code, mintToken(t, "member-1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("member: status %d body %s", w.Code, w.Body.String())
	}
}

func TestInvalidBearerTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	_, code, _ := env.createText(t, "", nil)

	// Open endpoints still reject garbage tokens rather than falling back
	// to anonymous.
	w := env.do(t, http.MethodGet, "/api/v1/code/"+code, "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestFileUploadAndRedeem(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "uploader-1")

	w := env.do(t, http.MethodPost, "/api/v1/objects", token, map[string]interface{}{
		"kind":      "doc",
		"filename":  "report.pdf",
		"mime_type": "application/pdf",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	id := created["id"].(string)
	code := created["code"].(string)

	// Confirm before upload reports the missing blob.
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/objects/%s/confirm", id), token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("premature confirm: status %d", w.Code)
	}

	// Mint a signed upload URL and PUT through the files handler.
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/objects/%s/upload-url", id), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upload-url: status %d body %s", w.Code, w.Body.String())
	}
	uploadURL := decodeBody(t, w)["upload_url"].(string)
	putReq := httptest.NewRequest(http.MethodPut, pathAndQuery(t, uploadURL), strings.NewReader("%PDF-1.4 fake"))
	putW := httptest.NewRecorder()
	env.handler.ServeHTTP(putW, putReq)
	if putW.Code != http.StatusCreated {
		t.Fatalf("file put: status %d body %s", putW.Code, putW.Body.String())
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/objects/%s/confirm", id), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: status %d body %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["bytes"]; got != float64(len("%PDF-1.4 fake")) {
		t.Errorf("bytes = %v", got)
	}

	// Redeem and download via the signed GET URL.
	w = env.do(t, http.MethodGet, "/api/v1/code/"+code, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup: status %d body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	getURL, ok := got["url"].(string)
	if !ok || getURL == "" {
		t.Fatalf("lookup response missing url: %v", got)
	}
	getReq := httptest.NewRequest(http.MethodGet, pathAndQuery(t, getURL), nil)
	getW := httptest.NewRecorder()
	env.handler.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("file get: status %d", getW.Code)
	}
	if getW.Body.String() != "%PDF-1.4 fake" {
		t.Errorf("downloaded body = %q", getW.Body.String())
	}
}

func TestFileReservedCharacterFilename(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "uploader-1")

	w := env.do(t, http.MethodPost, "/api/v1/objects", token, map[string]interface{}{
		"kind":      "doc",
		"filename":  "q3 #report 50%.pdf",
		"mime_type": "application/pdf",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	id := created["id"].(string)
	code := created["code"].(string)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/objects/%s/upload-url", id), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upload-url: status %d body %s", w.Code, w.Body.String())
	}
	uploadURL := decodeBody(t, w)["upload_url"].(string)
	putReq := httptest.NewRequest(http.MethodPut, pathAndQuery(t, uploadURL), strings.NewReader("data"))
	putW := httptest.NewRecorder()
	env.handler.ServeHTTP(putW, putReq)
	if putW.Code != http.StatusCreated {
		t.Fatalf("file put: status %d body %s", putW.Code, putW.Body.String())
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/objects/%s/confirm", id), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: status %d body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/code/"+code, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup: status %d body %s", w.Code, w.Body.String())
	}
	getURL := decodeBody(t, w)["url"].(string)
	getReq := httptest.NewRequest(http.MethodGet, pathAndQuery(t, getURL), nil)
	getW := httptest.NewRecorder()
	env.handler.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("file get: status %d body %s", getW.Code, getW.Body.String())
	}
	if getW.Body.String() != "data" {
		t.Errorf("downloaded body = %q", getW.Body.String())
	}
}

func TestFilePutBadSignature(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPut,
		"/files/objects/x/file.bin?expires=9999999999&sig=deadbeef",
		strings.NewReader("data"))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if exists, _ := env.files.ObjectExists(context.Background(), "objects/x/file.bin"); exists {
		t.Error("blob must not be written on signature failure")
	}
}

func TestDeleteRequiresUploader(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "owner-1")
	id, code, _ := env.createText(t, token, nil)

	w := env.do(t, http.MethodDelete, "/api/v1/objects/"+id, mintToken(t, "intruder"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("intruder delete: status %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/objects/"+id, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner delete: status %d body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/code/"+code, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("lookup after delete: status %d", w.Code)
	}
}

func TestObjectInfoHidesPinHash(t *testing.T) {
	env := newTestEnv(t)
	token := mintToken(t, "owner-1")
	id, _, _ := env.createText(t, token, map[string]interface{}{"pin_protected": true})

	w := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/objects/%s/meta", id), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("info: status %d body %s", w.Code, w.Body.String())
	}
	raw := w.Body.String()
	if strings.Contains(raw, "pin_hash") || strings.Contains(raw, "$2a$") {
		t.Errorf("info response leaks pin hash: %s", raw)
	}
	got := decodeBody(t, w)
	if got["pin_protected"] != true {
		t.Errorf("pin_protected = %v", got["pin_protected"])
	}
}

func TestListAccountsRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddAccount(store.Account{ID: "acct-1", Role: store.RoleInfluencer, Verified: true, DisplayName: "Creator", Slug: "creator"})

	w := env.do(t, http.MethodGet, "/api/v1/accounts", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d, want 401", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/accounts", mintToken(t, "user-1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authed: status %d body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	accounts, ok := got["accounts"].([]interface{})
	if !ok || len(accounts) != 1 {
		t.Fatalf("accounts = %v", got["accounts"])
	}
}

func TestCreateValidationError(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/objects", "", map[string]interface{}{"kind": "hologram"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := decodeBody(t, w)["code"]; got != "INVALID_KIND" {
		t.Errorf("error code = %v", got)
	}
}

// pathAndQuery strips the scheme and host so a signed URL can be replayed
// against the in-process handler.
func pathAndQuery(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u.RequestURI()
}
