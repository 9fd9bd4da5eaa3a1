package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONMap is an opaque jsonb column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// FeatureMap maps feature flag names to booleans.
type FeatureMap map[string]bool

func (m FeatureMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *FeatureMap) Scan(src any) error {
	return scanJSON(src, m)
}

// Enabled reports whether a feature flag is on.
func (m FeatureMap) Enabled(name string) bool { return m[name] }

// LimitMap maps limit names to integer values; nil means unlimited.
type LimitMap map[string]*int64

func (m LimitMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *LimitMap) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("cannot scan %T into JSON column", src)
}

// AdapterState is the auth_providers.adapter_state jsonb document. It stays
// an opaque map except for the typed credential accessors; unknown keys
// written by the IdP callback flow are preserved on update.
type AdapterState struct {
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	Userinfo     map[string]any `json:"userinfo,omitempty"`
	Extra        map[string]any `json:"-"`
}

func (s AdapterState) Value() (driver.Value, error) {
	m := map[string]any{}
	for k, v := range s.Extra {
		m[k] = v
	}
	if s.AccessToken != "" {
		m["access_token"] = s.AccessToken
	}
	if s.RefreshToken != "" {
		m["refresh_token"] = s.RefreshToken
	}
	if s.ExpiresAt != nil {
		m["expires_at"] = s.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if s.Userinfo != nil {
		m["userinfo"] = s.Userinfo
	}
	return json.Marshal(m)
}

func (s *AdapterState) Scan(src any) error {
	var m map[string]any
	if err := scanJSON(src, &m); err != nil {
		return err
	}
	*s = AdapterState{Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "access_token":
			s.AccessToken, _ = v.(string)
		case "refresh_token":
			s.RefreshToken, _ = v.(string)
		case "expires_at":
			if raw, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					s.ExpiresAt = &t
				}
			}
		case "userinfo":
			if ui, ok := v.(map[string]any); ok {
				s.Userinfo = ui
			}
		default:
			s.Extra[k] = v
		}
	}
	return nil
}

// Email returns userinfo.email, or "".
func (s AdapterState) Email() string {
	if s.Userinfo == nil {
		return ""
	}
	email, _ := s.Userinfo["email"].(string)
	return email
}

// Account is the tenant root.
type Account struct {
	ID                uuid.UUID  `db:"id"`
	Name              string     `db:"name"`
	DisabledAt        *time.Time `db:"disabled_at"`
	Features          FeatureMap `db:"features"`
	Limits            LimitMap   `db:"limits"`
	Metadata          JSONMap    `db:"metadata"`
	Config            JSONMap    `db:"config"`
	Warning           *string    `db:"warning"`
	WarningLastSentAt *time.Time `db:"warning_last_sent_at"`
	InsertedAt        time.Time  `db:"inserted_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// FeatureIdpSync gates directory sync per account.
const FeatureIdpSync = "idp_sync"

// Provider is a tenant's binding to an external IdP.
type Provider struct {
	ID              uuid.UUID    `db:"id"`
	AccountID       uuid.UUID    `db:"account_id"`
	Name            string       `db:"name"`
	Adapter         string       `db:"adapter"`
	Provisioner     string       `db:"provisioner"`
	AdapterConfig   JSONMap      `db:"adapter_config"`
	AdapterState    AdapterState `db:"adapter_state"`
	LastSyncedAt    *time.Time   `db:"last_synced_at"`
	LastSyncsFailed int          `db:"last_syncs_failed"`
	LastSyncError   *string      `db:"last_sync_error"`
	ErroredAt       *time.Time   `db:"errored_at"`
	SyncDisabledAt  *time.Time   `db:"sync_disabled_at"`
	DisabledAt      *time.Time   `db:"disabled_at"`
	DisabledReason  *string      `db:"disabled_reason"`
	IsVerified      bool         `db:"is_verified"`
	DeletedAt       *time.Time   `db:"deleted_at"`
	InsertedAt      time.Time    `db:"inserted_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

// Disabled reports whether the provider is administratively disabled.
func (p *Provider) Disabled() bool { return p.DisabledAt != nil }

// Identity maps a provider's user id to a local actor.
type Identity struct {
	ID                 uuid.UUID    `db:"id"`
	AccountID          uuid.UUID    `db:"account_id"`
	ProviderID         uuid.UUID    `db:"provider_id"`
	ProviderIdentifier string       `db:"provider_identifier"`
	ProviderState      AdapterState `db:"provider_state"`
	ActorID            uuid.UUID    `db:"actor_id"`
	CreatedBy          string       `db:"created_by"`
	DeletedAt          *time.Time   `db:"deleted_at"`
	InsertedAt         time.Time    `db:"inserted_at"`
}

// Actor is the local principal referenced by policies.
type Actor struct {
	ID         uuid.UUID  `db:"id"`
	AccountID  uuid.UUID  `db:"account_id"`
	Name       string     `db:"name"`
	Type       string     `db:"type"`
	DisabledAt *time.Time `db:"disabled_at"`
	DeletedAt  *time.Time `db:"deleted_at"`
	InsertedAt time.Time  `db:"inserted_at"`
}

// Actor types.
const (
	ActorTypeAccountAdminUser = "account_admin_user"
	ActorTypeAccountUser      = "account_user"
	ActorTypeServiceAccount   = "service_account"
)

// ActorGroup is an IdP-synced or managed group of actors.
type ActorGroup struct {
	ID                 uuid.UUID  `db:"id"`
	AccountID          uuid.UUID  `db:"account_id"`
	ProviderID         *uuid.UUID `db:"provider_id"`
	ProviderIdentifier *string    `db:"provider_identifier"`
	Name               string     `db:"name"`
	CreatedBy          string     `db:"created_by"`
	DeletedAt          *time.Time `db:"deleted_at"`
	InsertedAt         time.Time  `db:"inserted_at"`
}

// Membership links an actor to a group.
type Membership struct {
	ActorID uuid.UUID `db:"actor_id"`
	GroupID uuid.UUID `db:"group_id"`
}

// Token is opaque bearer material. The nonce is never persisted.
type Token struct {
	ID                uuid.UUID  `db:"id"`
	AccountID         *uuid.UUID `db:"account_id"`
	Type              string     `db:"type"`
	SecretSalt        string     `db:"secret_salt"`
	SecretHash        string     `db:"secret_hash"`
	ExpiresAt         *time.Time `db:"expires_at"`
	RemainingAttempts *int       `db:"remaining_attempts"`
	LastSeenAt        *time.Time `db:"last_seen_at"`
	LastSeenRemoteIP  *string    `db:"last_seen_remote_ip"`
	LastSeenUserAgent *string    `db:"last_seen_user_agent"`
	DeletedAt         *time.Time `db:"deleted_at"`
	InsertedAt        time.Time  `db:"inserted_at"`
}

// Token types.
const (
	TokenTypeBrowser      = "browser"
	TokenTypeClient       = "client"
	TokenTypeEmail        = "email"
	TokenTypeAPIClient    = "api_client"
	TokenTypeRelayGroup   = "relay_group"
	TokenTypeGatewayGroup = "gateway_group"
)

// Gateway is a data-plane node belonging to a site.
type Gateway struct {
	ID              uuid.UUID  `db:"id"`
	AccountID       uuid.UUID  `db:"account_id"`
	GroupID         uuid.UUID  `db:"group_id"`
	Name            string     `db:"name"`
	LastSeenVersion *string    `db:"last_seen_version"`
	LastSeenAt      *time.Time `db:"last_seen_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

// Relay is a data-plane relay node.
type Relay struct {
	ID              uuid.UUID  `db:"id"`
	AccountID       *uuid.UUID `db:"account_id"`
	IPv4            *string    `db:"ipv4"`
	IPv6            *string    `db:"ipv6"`
	Port            int        `db:"port"`
	LastSeenVersion *string    `db:"last_seen_version"`
	LastSeenAt      *time.Time `db:"last_seen_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}
