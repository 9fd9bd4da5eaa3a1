package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Entra lists users and groups from Microsoft Entra via the Graph API.
type Entra struct {
	client *http.Client
}

// NewEntra creates the Microsoft Entra directory adapter.
func NewEntra() *Entra {
	return &Entra{client: httpClient()}
}

func (e *Entra) Name() string { return AdapterMicrosoftEntra }

const entraUserSelect = "id,accountEnabled,displayName,givenName,surname,mail,userPrincipalName"

type entraUser struct {
	ID                string `json:"id"`
	AccountEnabled    bool   `json:"accountEnabled"`
	DisplayName       string `json:"displayName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type entraGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type entraUserPage struct {
	Value    []entraUser `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

type entraGroupPage struct {
	Value    []entraGroup `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// ListUsers lists enabled users. The enabled filter is applied server-side
// for the top-level listing; transitive group members are filtered
// client-side (see ListGroupMembers).
func (e *Entra) ListUsers(ctx context.Context, endpoint, accessToken string) ([]Identity, error) {
	uri := strings.TrimSuffix(endpoint, "/") + "/v1.0/users?" + url.Values{
		"$select": {entraUserSelect},
		"$filter": {"accountEnabled eq true"},
		"$top":    {"999"},
	}.Encode()

	var out []Identity
	for uri != "" {
		status, body, err := get(ctx, e.client, uri, accessToken)
		if err != nil {
			return nil, err
		}
		if err := e.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page entraUserPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "user page", Field: "value"}
		}
		for _, u := range page.Value {
			if u.ID == "" {
				return nil, &ValidationError{Subject: "user", Field: "id"}
			}
			email := u.UserPrincipalName
			if email == "" {
				email = u.Mail
			}
			if email == "" {
				return nil, &ValidationError{Subject: "user", Field: "userPrincipalName"}
			}
			out = append(out, Identity{
				ProviderIdentifier: u.ID,
				ActorName:          u.DisplayName,
				Email:              email,
			})
		}
		uri = page.NextLink
	}
	return out, nil
}

// ListGroups lists all groups with the minimal field selection.
func (e *Entra) ListGroups(ctx context.Context, endpoint, accessToken string) ([]Group, error) {
	uri := strings.TrimSuffix(endpoint, "/") + "/v1.0/groups?" + url.Values{
		"$select": {"id,displayName"},
		"$top":    {"999"},
	}.Encode()

	var out []Group
	for uri != "" {
		status, body, err := get(ctx, e.client, uri, accessToken)
		if err != nil {
			return nil, err
		}
		if err := e.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page entraGroupPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "group page", Field: "value"}
		}
		for _, g := range page.Value {
			if g.ID == "" {
				return nil, &ValidationError{Subject: "group", Field: "id"}
			}
			out = append(out, Group{
				ProviderIdentifier: "G:" + g.ID,
				Name:               "Group:" + g.DisplayName,
			})
		}
		uri = page.NextLink
	}
	return out, nil
}

// ListGroupMembers lists the transitive user members of a group. Disabled
// accounts are filtered client-side: fetching all transitive members avoids
// the ConsistencyLevel: eventual requirement of server-side $filter.
func (e *Entra) ListGroupMembers(ctx context.Context, endpoint, accessToken, groupID string) ([]string, error) {
	uri := strings.TrimSuffix(endpoint, "/") +
		"/v1.0/groups/" + url.PathEscape(groupID) + "/transitiveMembers/microsoft.graph.user?" + url.Values{
		"$select": {"id,accountEnabled"},
		"$top":    {"999"},
	}.Encode()

	var out []string
	for uri != "" {
		status, body, err := get(ctx, e.client, uri, accessToken)
		if err != nil {
			return nil, err
		}
		if err := e.decodeStatus(status, body); err != nil {
			return nil, err
		}
		var page entraUserPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &ValidationError{Subject: "member page", Field: "value"}
		}
		for _, u := range page.Value {
			if !u.AccountEnabled {
				continue
			}
			out = append(out, u.ID)
		}
		uri = page.NextLink
	}
	return out, nil
}

type entraErrorEnvelope struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			Code string `json:"code"`
		} `json:"innerError"`
	} `json:"error"`
}

func (e *Entra) decodeStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status >= 200 && status < 300:
		return ErrRetryLater
	case status >= 500:
		return ErrRetryLater
	}

	var envelope entraErrorEnvelope
	_ = json.Unmarshal(body, &envelope)
	message := envelope.Error.Message
	if message == "" {
		message = http.StatusText(status)
	}

	if status == http.StatusUnauthorized {
		return &UnauthorizedError{
			Message: fmt.Sprintf("Microsoft Graph API returned 401: %s", message),
		}
	}

	formatted := message
	if envelope.Error.Code != "" {
		if envelope.Error.InnerError.Code != "" {
			formatted = fmt.Sprintf("%s (%s): %s", envelope.Error.Code, envelope.Error.InnerError.Code, message)
		} else {
			formatted = fmt.Sprintf("%s: %s", envelope.Error.Code, message)
		}
	}
	return &StatusError{Status: status, Message: fmt.Sprintf("HTTP %d - %s", status, formatted)}
}
