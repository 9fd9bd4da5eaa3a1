package idp

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

// OAuthRefresher rotates access tokens using the standard refresh_token
// grant against the provider's token endpoint. Used by Entra, Okta and
// generic OpenID Connect providers.
type OAuthRefresher struct{}

func (OAuthRefresher) RefreshAccessToken(ctx context.Context, cfg AdapterConfig, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, fmt.Errorf("provider has no refresh token")
	}
	if cfg.TokenURL == "" {
		return Tokens{}, fmt.Errorf("adapter config has no token_url")
	}

	oc := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Tokens{}, fmt.Errorf("refresh access token: %w", err)
	}

	rotated := Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	// Providers that do not rotate the refresh token return it empty.
	if rotated.RefreshToken == "" {
		rotated.RefreshToken = refreshToken
	}
	if rotated.ExpiresAt.IsZero() {
		rotated.ExpiresAt = time.Now().Add(time.Hour)
	}
	return rotated, nil
}

// GoogleRefresher mints access tokens from a service account RS256 JWT
// assertion, impersonating the configured admin subject. Google Workspace
// has no refresh token; every rotation is a fresh assertion.
type GoogleRefresher struct{}

func (GoogleRefresher) RefreshAccessToken(ctx context.Context, cfg AdapterConfig, _ string) (Tokens, error) {
	if cfg.ServiceAccountEmail == "" || cfg.PrivateKey == "" {
		return Tokens{}, fmt.Errorf("adapter config has no service account credentials")
	}

	jc := jwt.Config{
		Email:      cfg.ServiceAccountEmail,
		PrivateKey: []byte(cfg.PrivateKey),
		Scopes:     GoogleDirectoryScopes,
		Subject:    cfg.ImpersonateSubject,
		TokenURL:   "https://oauth2.googleapis.com/token",
	}
	tok, err := jc.TokenSource(ctx).Token()
	if err != nil {
		return Tokens{}, fmt.Errorf("mint service account token: %w", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return Tokens{AccessToken: tok.AccessToken, ExpiresAt: expiry}, nil
}

// RefresherFor returns the refresher matching an adapter name.
func RefresherFor(adapter string) Refresher {
	if adapter == AdapterGoogleWorkspace {
		return GoogleRefresher{}
	}
	return OAuthRefresher{}
}
