package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// WorkOS lists directory users and groups through the WorkOS Directory Sync
// API. JumpCloud directories are connected via WorkOS.
type WorkOS struct {
	client *http.Client
	// adapter is the provider adapter name surfaced in error messages;
	// multiple adapters can share the WorkOS transport.
	adapter string
	// directoryID scopes every listing to one connected directory.
	directoryID string
}

// NewJumpCloud creates the JumpCloud directory adapter backed by WorkOS.
func NewJumpCloud(directoryID string) *WorkOS {
	return &WorkOS{client: httpClient(), adapter: AdapterJumpCloud, directoryID: directoryID}
}

func (w *WorkOS) Name() string { return w.adapter }

// WithDirectory returns a copy scoped to the given directory, sharing the
// underlying HTTP client.
func (w *WorkOS) WithDirectory(directoryID string) *WorkOS {
	scoped := *w
	scoped.directoryID = directoryID
	return &scoped
}

type workosUser struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Emails    []struct {
		Primary bool   `json:"primary"`
		Value   string `json:"value"`
	} `json:"emails"`
}

func (u workosUser) primaryEmail() string {
	for _, e := range u.Emails {
		if e.Primary {
			return e.Value
		}
	}
	if len(u.Emails) > 0 {
		return u.Emails[0].Value
	}
	return ""
}

type workosGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type workosUserPage struct {
	Data         []workosUser `json:"data"`
	ListMetadata struct {
		After string `json:"after"`
	} `json:"list_metadata"`
}

type workosGroupPage struct {
	Data         []workosGroup `json:"data"`
	ListMetadata struct {
		After string `json:"after"`
	} `json:"list_metadata"`
}

// ListUsers lists active directory users.
func (w *WorkOS) ListUsers(ctx context.Context, endpoint, accessToken string) ([]Identity, error) {
	base := strings.TrimSuffix(endpoint, "/") + "/directory_users"
	params := url.Values{"directory": {w.directoryID}, "limit": {"100"}}

	var out []Identity
	for {
		status, body, err := get(ctx, w.client, base+"?"+params.Encode(), accessToken)
		if err != nil {
			return nil, err
		}
		if err := w.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page workosUserPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "user page", Field: "data"}
		}
		for _, u := range page.Data {
			if u.State != "active" {
				continue
			}
			if u.ID == "" {
				return nil, &ValidationError{Subject: "user", Field: "id"}
			}
			email := u.primaryEmail()
			if email == "" {
				return nil, &ValidationError{Subject: "user", Field: "emails"}
			}
			out = append(out, Identity{
				ProviderIdentifier: u.ID,
				ActorName:          fmt.Sprintf("%s %s", u.FirstName, u.LastName),
				Email:              email,
			})
		}
		if page.ListMetadata.After == "" {
			return out, nil
		}
		params.Set("after", page.ListMetadata.After)
	}
}

// ListGroups lists all directory groups.
func (w *WorkOS) ListGroups(ctx context.Context, endpoint, accessToken string) ([]Group, error) {
	base := strings.TrimSuffix(endpoint, "/") + "/directory_groups"
	params := url.Values{"directory": {w.directoryID}, "limit": {"100"}}

	var out []Group
	for {
		status, body, err := get(ctx, w.client, base+"?"+params.Encode(), accessToken)
		if err != nil {
			return nil, err
		}
		if err := w.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page workosGroupPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "group page", Field: "data"}
		}
		for _, g := range page.Data {
			if g.ID == "" {
				return nil, &ValidationError{Subject: "group", Field: "id"}
			}
			out = append(out, Group{
				ProviderIdentifier: "G:" + g.ID,
				Name:               "Group:" + g.Name,
			})
		}
		if page.ListMetadata.After == "" {
			return out, nil
		}
		params.Set("after", page.ListMetadata.After)
	}
}

// ListGroupMembers lists active user ids belonging to a directory group.
func (w *WorkOS) ListGroupMembers(ctx context.Context, endpoint, accessToken, groupID string) ([]string, error) {
	base := strings.TrimSuffix(endpoint, "/") + "/directory_users"
	params := url.Values{"group": {groupID}, "limit": {"100"}}

	var out []string
	for {
		status, body, err := get(ctx, w.client, base+"?"+params.Encode(), accessToken)
		if err != nil {
			return nil, err
		}
		if err := w.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page workosUserPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "member page", Field: "data"}
		}
		for _, u := range page.Data {
			if u.State != "active" {
				continue
			}
			out = append(out, u.ID)
		}
		if page.ListMetadata.After == "" {
			return out, nil
		}
		params.Set("after", page.ListMetadata.After)
	}
}

type workosErrorEnvelope struct {
	Message string `json:"message"`
}

func (w *WorkOS) decodeStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status >= 200 && status < 300:
		return ErrRetryLater
	case status >= 500:
		return ErrRetryLater
	}

	var envelope workosErrorEnvelope
	_ = json.Unmarshal(body, &envelope)
	message := envelope.Message
	if message == "" {
		message = http.StatusText(status)
	}

	if status == http.StatusUnauthorized {
		return &UnauthorizedError{Message: fmt.Sprintf("WorkOS API returned 401: %s", message)}
	}
	return &StatusError{Status: status, Message: fmt.Sprintf("HTTP %d - %s", status, message)}
}
