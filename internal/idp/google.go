package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GoogleWorkspace lists users and groups from the Google Admin Directory
// API. Tokens are minted from a service account JWT assertion; see
// GoogleRefresher.
type GoogleWorkspace struct {
	client *http.Client
}

// NewGoogleWorkspace creates the Google Workspace directory adapter.
func NewGoogleWorkspace() *GoogleWorkspace {
	return &GoogleWorkspace{client: httpClient()}
}

func (g *GoogleWorkspace) Name() string { return AdapterGoogleWorkspace }

// GoogleDirectoryScopes is the union of read-only scopes requested on the
// service account assertion.
var GoogleDirectoryScopes = []string{
	"https://www.googleapis.com/auth/admin.directory.user.readonly",
	"https://www.googleapis.com/auth/admin.directory.group.readonly",
	"https://www.googleapis.com/auth/admin.directory.group.member.readonly",
	"https://www.googleapis.com/auth/admin.directory.orgunit.readonly",
}

type googleUser struct {
	ID   string `json:"id"`
	Name struct {
		FullName string `json:"fullName"`
	} `json:"name"`
	PrimaryEmail string `json:"primaryEmail"`
	Suspended    bool   `json:"suspended"`
}

type googleGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type googleMember struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type googleUserPage struct {
	Users         []googleUser `json:"users"`
	NextPageToken string       `json:"nextPageToken"`
}

type googleGroupPage struct {
	Groups        []googleGroup `json:"groups"`
	NextPageToken string        `json:"nextPageToken"`
}

type googleMemberPage struct {
	Members       []googleMember `json:"members"`
	NextPageToken string         `json:"nextPageToken"`
}

// ListUsers lists non-suspended users of the customer directory.
func (g *GoogleWorkspace) ListUsers(ctx context.Context, endpoint, accessToken string) ([]Identity, error) {
	base := strings.TrimSuffix(endpoint, "/") + "/admin/directory/v1/users"
	params := url.Values{
		"customer":    {"my_customer"},
		"showDeleted": {"false"},
		"maxResults":  {"500"},
	}

	var out []Identity
	for {
		status, body, err := get(ctx, g.client, base+"?"+params.Encode(), accessToken)
		if err != nil {
			return nil, err
		}
		if err := g.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page googleUserPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "user page", Field: "users"}
		}
		for _, u := range page.Users {
			if u.Suspended {
				continue
			}
			if u.ID == "" {
				return nil, &ValidationError{Subject: "user", Field: "id"}
			}
			if u.PrimaryEmail == "" {
				return nil, &ValidationError{Subject: "user", Field: "primaryEmail"}
			}
			out = append(out, Identity{
				ProviderIdentifier: u.ID,
				ActorName:          u.Name.FullName,
				Email:              u.PrimaryEmail,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		params.Set("pageToken", page.NextPageToken)
	}
}

// ListGroups lists all groups of the customer directory.
func (g *GoogleWorkspace) ListGroups(ctx context.Context, endpoint, accessToken string) ([]Group, error) {
	base := strings.TrimSuffix(endpoint, "/") + "/admin/directory/v1/groups"
	params := url.Values{
		"customer":   {"my_customer"},
		"maxResults": {"200"},
	}

	var out []Group
	for {
		status, body, err := get(ctx, g.client, base+"?"+params.Encode(), accessToken)
		if err != nil {
			return nil, err
		}
		if err := g.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page googleGroupPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "group page", Field: "groups"}
		}
		for _, grp := range page.Groups {
			if grp.ID == "" {
				return nil, &ValidationError{Subject: "group", Field: "id"}
			}
			out = append(out, Group{
				ProviderIdentifier: "G:" + grp.ID,
				Name:               "Group:" + grp.Name,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		params.Set("pageToken", page.NextPageToken)
	}
}

// ListGroupMembers lists active user members of a group.
func (g *GoogleWorkspace) ListGroupMembers(ctx context.Context, endpoint, accessToken, groupID string) ([]string, error) {
	base := strings.TrimSuffix(endpoint, "/") + "/admin/directory/v1/groups/" + url.PathEscape(groupID) + "/members"
	params := url.Values{"maxResults": {"500"}}

	var out []string
	for {
		status, body, err := get(ctx, g.client, base+"?"+params.Encode(), accessToken)
		if err != nil {
			return nil, err
		}
		if err := g.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page googleMemberPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "member page", Field: "members"}
		}
		for _, m := range page.Members {
			if m.Type != "USER" || m.Status != "ACTIVE" {
				continue
			}
			out = append(out, m.ID)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		params.Set("pageToken", page.NextPageToken)
	}
}

type googleErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

func (g *GoogleWorkspace) decodeStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status >= 200 && status < 300:
		return ErrRetryLater
	case status >= 500:
		return ErrRetryLater
	}

	var envelope googleErrorEnvelope
	_ = json.Unmarshal(body, &envelope)
	message := envelope.Error.Message
	if message == "" {
		message = http.StatusText(status)
	}
	reason := ""
	if len(envelope.Error.Errors) > 0 {
		reason = envelope.Error.Errors[0].Reason
	}

	if status == http.StatusUnauthorized {
		return &UnauthorizedError{Message: fmt.Sprintf("Google Admin API returned 401: %s", message)}
	}
	if status == http.StatusForbidden && reason == "insufficientPermissions" {
		return &MissingScopesError{Scopes: GoogleDirectoryScopes}
	}

	formatted := message
	if reason != "" {
		formatted = fmt.Sprintf("%s: %s", reason, message)
	}
	return &StatusError{Status: status, Message: fmt.Sprintf("HTTP %d - %s", status, formatted)}
}
