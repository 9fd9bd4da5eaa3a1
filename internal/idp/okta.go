package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Okta lists users and groups from Okta's management API.
type Okta struct {
	client *http.Client
}

// NewOkta creates the Okta directory adapter.
func NewOkta() *Okta {
	return &Okta{client: httpClient()}
}

func (o *Okta) Name() string { return AdapterOkta }

type oktaUser struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Profile struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	} `json:"profile"`
}

type oktaGroup struct {
	ID      string `json:"id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// ListUsers lists active users, following Link: rel="next" pagination.
func (o *Okta) ListUsers(ctx context.Context, endpoint, accessToken string) ([]Identity, error) {
	uri := strings.TrimSuffix(endpoint, "/") + "/api/v1/users?limit=200"

	var out []Identity
	for uri != "" {
		var users []oktaUser
		next, err := o.getPage(ctx, uri, accessToken, &users)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.Status != "ACTIVE" {
				continue
			}
			if u.ID == "" {
				return nil, &ValidationError{Subject: "user", Field: "id"}
			}
			if u.Profile.Email == "" {
				return nil, &ValidationError{Subject: "user", Field: "profile.email"}
			}
			out = append(out, Identity{
				ProviderIdentifier: u.ID,
				ActorName:          fmt.Sprintf("%s %s", u.Profile.FirstName, u.Profile.LastName),
				Email:              u.Profile.Email,
			})
		}
		uri = next
	}
	return out, nil
}

// ListGroups lists all groups.
func (o *Okta) ListGroups(ctx context.Context, endpoint, accessToken string) ([]Group, error) {
	uri := strings.TrimSuffix(endpoint, "/") + "/api/v1/groups?limit=200"

	var out []Group
	for uri != "" {
		var groups []oktaGroup
		next, err := o.getPage(ctx, uri, accessToken, &groups)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			if g.ID == "" {
				return nil, &ValidationError{Subject: "group", Field: "id"}
			}
			out = append(out, Group{
				ProviderIdentifier: "G:" + g.ID,
				Name:               "Group:" + g.Profile.Name,
			})
		}
		uri = next
	}
	return out, nil
}

// ListGroupMembers lists active member user ids of a group.
func (o *Okta) ListGroupMembers(ctx context.Context, endpoint, accessToken, groupID string) ([]string, error) {
	uri := strings.TrimSuffix(endpoint, "/") + "/api/v1/groups/" + url.PathEscape(groupID) + "/users?limit=200"

	var out []string
	for uri != "" {
		var users []oktaUser
		next, err := o.getPage(ctx, uri, accessToken, &users)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.Status != "ACTIVE" {
				continue
			}
			out = append(out, u.ID)
		}
		uri = next
	}
	return out, nil
}

var oktaNextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// getPage fetches one page and returns the next page URL parsed from the
// Link header, or "" when pagination is exhausted.
func (o *Okta) getPage(ctx context.Context, uri, accessToken string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	if err := o.decodeStatus(resp.StatusCode, body); err != nil {
		return "", err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return "", &ValidationError{Subject: "page", Field: "body"}
	}

	for _, link := range resp.Header.Values("Link") {
		if m := oktaNextLink.FindStringSubmatch(link); m != nil {
			return m[1], nil
		}
	}
	return "", nil
}

type oktaErrorEnvelope struct {
	ErrorCode    string `json:"errorCode"`
	ErrorSummary string `json:"errorSummary"`
	ErrorLink    string `json:"errorLink"`
	ErrorID      string `json:"errorId"`
}

func (o *Okta) decodeStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status >= 200 && status < 300:
		return ErrRetryLater
	case status >= 500:
		return ErrRetryLater
	}

	var envelope oktaErrorEnvelope
	_ = json.Unmarshal(body, &envelope)
	summary := envelope.ErrorSummary
	if summary == "" {
		summary = http.StatusText(status)
	}

	if status == http.StatusUnauthorized {
		return &UnauthorizedError{Message: fmt.Sprintf("Okta API returned 401: %s", summary)}
	}

	formatted := summary
	if envelope.ErrorCode != "" {
		formatted = fmt.Sprintf("%s: %s", envelope.ErrorCode, summary)
	}
	return &StatusError{Status: status, Message: fmt.Sprintf("HTTP %d - %s", status, formatted)}
}
