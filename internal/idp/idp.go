// Package idp implements the identity provider adapters used by directory
// sync: paginated user/group/membership listing, OAuth token refresh, and a
// single error taxonomy shared by every adapter.
package idp

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Adapter names as stored on auth_providers.adapter.
const (
	AdapterOpenIDConnect   = "openid_connect"
	AdapterMicrosoftEntra  = "microsoft_entra"
	AdapterOkta            = "okta"
	AdapterGoogleWorkspace = "google_workspace"
	AdapterJumpCloud       = "jumpcloud"
	AdapterEmail           = "email"
	AdapterUserpass        = "userpass"
	AdapterMock            = "mock"
)

// Identity is a remote user normalized to the sync schema.
type Identity struct {
	// ProviderIdentifier is the provider's stable user id.
	ProviderIdentifier string
	// ActorName is the display name assigned to the local actor.
	ActorName string
	// Email lands in provider_state.userinfo.email.
	Email string
}

// Group is a remote group normalized to the sync schema. ProviderIdentifier
// carries the "G:" prefix and Name the "Group:" prefix.
type Group struct {
	ProviderIdentifier string
	Name               string
}

// Membership is a (group, user) tuple exchanged during sync.
type Membership struct {
	GroupProviderIdentifier string
	ActorProviderIdentifier string
}

// Directory lists users, groups and group members from a provider.
// Implementations follow pagination until exhausted and return results in
// insertion order; callers must not rely on that order.
type Directory interface {
	Name() string
	ListUsers(ctx context.Context, endpoint, accessToken string) ([]Identity, error)
	ListGroups(ctx context.Context, endpoint, accessToken string) ([]Group, error)
	// ListGroupMembers returns the provider user ids belonging to the group
	// identified by its raw (unprefixed) provider id.
	ListGroupMembers(ctx context.Context, endpoint, accessToken, groupID string) ([]string, error)
}

// Tokens is a rotated OAuth credential set persisted to adapter_state.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher rotates a provider's access token.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, cfg AdapterConfig, refreshToken string) (Tokens, error)
}

// AdapterConfig is the per-provider OAuth client configuration stored in
// auth_providers.adapter_config. Fields unused by a given adapter stay empty.
type AdapterConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	// Google service account assertion material.
	ServiceAccountEmail string `json:"service_account_email,omitempty"`
	PrivateKey          string `json:"private_key,omitempty"`
	ImpersonateSubject  string `json:"impersonate_subject,omitempty"`
	// WorkOS directory id for JumpCloud.
	DirectoryID string `json:"directory_id,omitempty"`
}

// httpClient is the pooled HTTP client shared by all requests of one
// adapter. One client per adapter keeps connection pools separate.
func httpClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// get issues an authorized GET and returns the status and body. Transport
// failures are returned as-is for the classifier to inspect.
func get(ctx context.Context, client *http.Client, url, accessToken string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
