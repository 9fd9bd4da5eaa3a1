package idp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresherForAdapter(t *testing.T) {
	assert.IsType(t, GoogleRefresher{}, RefresherFor(AdapterGoogleWorkspace))
	assert.IsType(t, OAuthRefresher{}, RefresherFor(AdapterMicrosoftEntra))
	assert.IsType(t, OAuthRefresher{}, RefresherFor(AdapterOkta))
	assert.IsType(t, OAuthRefresher{}, RefresherFor(AdapterJumpCloud))
}

func TestOAuthRefresherRequiresRefreshToken(t *testing.T) {
	_, err := OAuthRefresher{}.RefreshAccessToken(context.Background(), AdapterConfig{
		TokenURL: "https://idp.example.com/token",
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refresh token")
}

// Google Workspace rotates via service-account assertion, never a refresh
// token: an empty refresh token must not be the reason a rotation fails.
func TestGoogleRefresherDoesNotNeedRefreshToken(t *testing.T) {
	_, err := GoogleRefresher{}.RefreshAccessToken(context.Background(), AdapterConfig{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account credentials")
	assert.NotContains(t, err.Error(), "refresh token")
}
