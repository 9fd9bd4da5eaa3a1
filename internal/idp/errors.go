package idp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRetryLater marks transient remote failures: HTTP 5xx and 2xx-non-200
// responses. The scheduler retries with exponential backoff.
var ErrRetryLater = errors.New("retry later")

// UnauthorizedError is an HTTP 401. Treated as a client error; the message
// embeds the provider's own text so the operator can re-grant access.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// StatusError is a non-401 HTTP 4xx with the provider's decoded payload.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// ValidationError marks a remote payload missing a required field.
type ValidationError struct {
	Subject string
	Field   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote %s is missing required field %s", e.Subject, e.Field)
}

// MissingScopesError marks an OAuth token lacking required scopes.
type MissingScopesError struct {
	Scopes []string
}

func (e *MissingScopesError) Error() string {
	return "access token is missing required scopes: " + strings.Join(e.Scopes, ", ")
}

// DeleteAllError trips when a sync plan would delete every row of a
// resource class for a provider that previously had at least one.
type DeleteAllError struct {
	Resource string
}

func (e *DeleteAllError) Error() string {
	return fmt.Sprintf("refusing to delete all %s for this provider; aborting sync", e.Resource)
}
