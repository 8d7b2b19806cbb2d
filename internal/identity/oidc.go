package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates ID tokens from an external OpenID Connect issuer.
// Configured via OIDC_ISSUER_URL and OIDC_CLIENT_ID; optional.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	issuer   string
}

// NewOIDCVerifier discovers the issuer and builds a token verifier.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer %s: %w", issuerURL, err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		issuer:   issuerURL,
	}, nil
}

// Verify validates the raw ID token and maps it to local claims. The user id
// is namespaced by issuer subject so OIDC users never collide with local ones.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify oidc token: %w", err)
	}

	var c struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}

	username := c.PreferredUsername
	if username == "" {
		username = c.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &Claims{
		UserID:   "oidc:" + idToken.Subject,
		Username: username,
	}, nil
}
