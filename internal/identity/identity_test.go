package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	id := New(nil, "round-trip-secret")

	tokenStr, expiresAt, err := id.issueToken("user-1", "alice")
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if !expiresAt.After(time.Now().Add(29 * 24 * time.Hour)) {
		t.Errorf("expiry too soon: %v", expiresAt)
	}

	claims, err := id.validateToken(context.Background(), tokenStr)
	if err != nil {
		t.Fatalf("validateToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.Username != "alice" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Issuer != "viewport" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	issuer := New(nil, "secret-a")
	verifier := New(nil, "secret-b")

	tokenStr, _, err := issuer.issueToken("user-1", "alice")
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, err := verifier.validateToken(context.Background(), tokenStr); err == nil {
		t.Fatal("expected validation failure across secrets")
	}
}

func TestValidateTokenRejectsNoneAlgorithm(t *testing.T) {
	id := New(nil, "secret")

	claims := &Claims{UserID: "user-1", Username: "alice"}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenStr, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign unsigned token: %v", err)
	}

	if _, err := id.validateToken(context.Background(), tokenStr); err == nil {
		t.Fatal("alg=none token must be rejected")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	id := New(nil, "secret")

	claims := &Claims{
		UserID:   "user-1",
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			Issuer:    "viewport",
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(id.secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := id.validateToken(context.Background(), tokenStr); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	id := New(nil, "secret")
	tokenStr, _, err := id.issueToken("user-1", "alice")
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}

	var seen *Claims
	handler := id.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
	}))

	// Missing token.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", w.Code)
	}

	// Valid token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status %d", w.Code)
	}
	if seen == nil || seen.UserID != "user-1" {
		t.Errorf("claims not propagated: %+v", seen)
	}
}

func TestOptionalMiddleware(t *testing.T) {
	id := New(nil, "secret")

	handler := id.OptionalMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) != nil {
			t.Error("anonymous request should carry no claims")
		}
	}))

	// Anonymous passes through.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("anonymous: status %d", w.Code)
	}

	// Present but invalid token is rejected, not downgraded.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", w.Code)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Corp", "acme-corp"},
		{"  spaced   out  ", "spaced-out"},
		{"Already-Slugged", "already-slugged"},
		{"Ünïcode Náme", "n-code-n-me"},
		{"123 Go!", "123-go"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
