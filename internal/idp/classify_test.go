package idp

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRetryLater(t *testing.T) {
	cls := Classify(AdapterOkta, ErrRetryLater)
	assert.True(t, cls.Transient())
	assert.Equal(t, "Okta API is temporarily unavailable", cls.Message)
}

func TestClassifyWrappedRetryLater(t *testing.T) {
	err := fmt.Errorf("list users: %w", ErrRetryLater)
	cls := Classify(AdapterMicrosoftEntra, err)
	assert.True(t, cls.Transient())
	assert.Equal(t, "Microsoft Graph API is temporarily unavailable", cls.Message)
}

func TestClassifyUnauthorized(t *testing.T) {
	err := &UnauthorizedError{Message: "Microsoft Graph API returned 401: Insufficient privileges"}
	cls := Classify(AdapterMicrosoftEntra, err)
	assert.True(t, cls.ClientError)
	assert.Equal(t, "Microsoft Graph API returned 401: Insufficient privileges", cls.Message)
}

func TestClassifyStatusError(t *testing.T) {
	err := fmt.Errorf("list groups: %w", &StatusError{Status: 400, Message: "HTTP 400 - E0000001: Api validation failed"})
	cls := Classify(AdapterOkta, err)
	assert.True(t, cls.ClientError)
	assert.Equal(t, "HTTP 400 - E0000001: Api validation failed", cls.Message)
}

func TestClassifyValidationError(t *testing.T) {
	cls := Classify(AdapterOkta, &ValidationError{Subject: "user", Field: "id"})
	assert.True(t, cls.ClientError)
	assert.Contains(t, cls.Message, "missing required field id")
}

func TestClassifyMissingScopes(t *testing.T) {
	cls := Classify(AdapterGoogleWorkspace, &MissingScopesError{
		Scopes: []string{"https://www.googleapis.com/auth/admin.directory.user.readonly"},
	})
	assert.True(t, cls.ClientError)
	assert.Contains(t, cls.Message, "missing required scopes")
}

func TestClassifyDeleteAll(t *testing.T) {
	cls := Classify(AdapterJumpCloud, &DeleteAllError{Resource: "identities"})
	assert.True(t, cls.ClientError)
	assert.Equal(t, "refusing to delete all identities for this provider; aborting sync", cls.Message)
}

func TestClassifyTransportErrors(t *testing.T) {
	cases := []error{
		&net.DNSError{Err: "no such host", Name: "graph.microsoft.com", IsNotFound: true},
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		fmt.Errorf("get page: %w", syscall.EHOSTUNREACH),
		&net.OpError{Op: "dial", Err: &timeoutError{}},
	}
	for _, err := range cases {
		cls := Classify(AdapterMicrosoftEntra, err)
		assert.True(t, cls.Transient(), "expected transient for %v", err)
		assert.Equal(t, "Microsoft Graph API is temporarily unavailable", cls.Message)
	}
}

func TestClassifyUnknownErrorIsTransient(t *testing.T) {
	cls := Classify("bogus", errors.New("boom"))
	assert.True(t, cls.Transient())
	assert.Equal(t, "identity provider API request failed: boom", cls.Message)
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
