// Package identity provides JWT-based authentication and account signup.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ElliottDenis/Viewport/internal/logging"
	"github.com/ElliottDenis/Viewport/internal/metrics"
	"github.com/ElliottDenis/Viewport/internal/store"
)

type contextKey string

const userContextKey contextKey = "user"

const tokenTTL = 30 * 24 * time.Hour

// Claims holds JWT token claims.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity handles authentication and the users/accounts tables.
type Identity struct {
	db     *sql.DB
	secret []byte
	oidc   *OIDCVerifier
}

// New creates a new Identity handler.
func New(db *sql.DB, jwtSecret string) *Identity {
	return &Identity{
		db:     db,
		secret: []byte(jwtSecret),
	}
}

// WithOIDC attaches an OIDC verifier so bearer tokens from the configured
// issuer are accepted alongside locally issued JWTs.
func (id *Identity) WithOIDC(v *OIDCVerifier) *Identity {
	id.oidc = v
	return id
}

// Middleware returns HTTP middleware that requires a valid bearer token.
func (id *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "missing authentication token")
			return
		}

		claims, err := id.validateToken(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalMiddleware attaches claims when a bearer token is present but lets
// anonymous requests through. A token that is present and invalid is still
// rejected, so a caller cannot silently downgrade to anonymous access.
func (id *Identity) OptionalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := id.validateToken(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the request context. Nil when anonymous.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context. Used by tests.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// HandleLogin handles POST /api/v1/auth/token.
func (id *Identity) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "INVALID_REQUEST", "username and password required")
		return
	}

	var userID, hashedPassword string
	err := id.db.QueryRowContext(r.Context(),
		`SELECT id, password FROM users WHERE username = $1`,
		req.Username).Scan(&userID, &hashedPassword)
	if err == sql.ErrNoRows {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: unknown user", zap.String("username", req.Username))
		sendAuthError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("login database error", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "INTERNAL", "database error")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(req.Password)); err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: invalid password", zap.String("username", req.Username))
		sendAuthError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	tokenStr, expiresAt, err := id.issueToken(userID, req.Username)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "INTERNAL", "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("username", req.Username))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      tokenStr,
		"expires_at": expiresAt,
		"user": map[string]interface{}{
			"id":       userID,
			"username": req.Username,
		},
	})
}

// HandleSignup handles POST /api/v1/accounts/signup. It creates the user,
// the account and the owner membership in one transaction.
func (id *Identity) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
		Role        string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendAuthError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" || req.DisplayName == "" {
		sendAuthError(w, http.StatusBadRequest, "INVALID_REQUEST", "username, password and display_name required")
		return
	}
	switch req.Role {
	case store.RoleIndividual, store.RoleInfluencer, store.RoleInsight:
	case "":
		req.Role = store.RoleIndividual
	default:
		sendAuthError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown role")
		return
	}

	userID, accountID, err := id.Signup(r.Context(), req.Username, req.Password, req.DisplayName, req.Role)
	if err != nil {
		if isUniqueViolation(err) {
			sendAuthError(w, http.StatusConflict, "USERNAME_TAKEN", "username already in use")
			return
		}
		logging.Error("signup failed", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "INTERNAL", "signup failed")
		return
	}

	tokenStr, expiresAt, err := id.issueToken(userID, req.Username)
	if err != nil {
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "INTERNAL", "failed to generate token")
		return
	}

	logging.Info("account created",
		zap.String("username", req.Username),
		zap.String("account_id", accountID),
		zap.String("role", req.Role))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      tokenStr,
		"expires_at": expiresAt,
		"user": map[string]interface{}{
			"id":       userID,
			"username": req.Username,
		},
		"account": map[string]interface{}{
			"id":           accountID,
			"display_name": req.DisplayName,
			"role":         req.Role,
			"slug":         Slugify(req.DisplayName),
		},
	})
}

// Signup creates a user, an account and the owner membership atomically.
func (id *Identity) Signup(ctx context.Context, username, password, displayName, role string) (userID, accountID string, err error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash password: %w", err)
	}

	tx, err := id.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("begin signup tx: %w", err)
	}
	defer tx.Rollback()

	userID = uuid.NewString()
	accountID = uuid.NewString()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, username, password) VALUES ($1, $2, $3)`,
		userID, username, string(hashed)); err != nil {
		return "", "", fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, role, verified, display_name, slug) VALUES ($1, $2, FALSE, $3, $4)`,
		accountID, role, displayName, Slugify(displayName)); err != nil {
		return "", "", fmt.Errorf("insert account: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_members (account_id, user_id, member_role) VALUES ($1, $2, 'owner')`,
		accountID, userID); err != nil {
		return "", "", fmt.Errorf("insert membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit signup: %w", err)
	}
	return userID, accountID, nil
}

func (id *Identity) issueToken(userID, username string) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "viewport",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(id.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

func (id *Identity) validateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return id.secret, nil
	})
	if err == nil && token.Valid {
		return claims, nil
	}

	// Not one of ours. Try the OIDC issuer if configured.
	if id.oidc != nil {
		if oc, oerr := id.oidc.Verify(ctx, tokenStr); oerr == nil {
			return oc, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("invalid token")
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Slugify turns a display name into a URL-safe slug.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func sendAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
