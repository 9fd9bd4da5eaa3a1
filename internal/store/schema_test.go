package store

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadSchema parses the initial migration into table -> column set.
func loadSchema(t *testing.T) map[string]map[string]bool {
	t.Helper()
	ddl, err := os.ReadFile("../../migrations/000001_init.up.sql")
	require.NoError(t, err)

	tables := map[string]map[string]bool{}
	var current string
	for _, line := range strings.Split(string(ddl), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "CREATE TABLE "):
			current = strings.TrimSpace(strings.TrimSuffix(
				strings.TrimPrefix(trimmed, "CREATE TABLE "), "("))
			tables[current] = map[string]bool{}
		case current == "":
		case strings.HasPrefix(trimmed, ")"):
			current = ""
		default:
			fields := strings.Fields(trimmed)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "PRIMARY", "FOREIGN", "UNIQUE", "CONSTRAINT", "CHECK":
				continue
			}
			tables[current][fields[0]] = true
		}
	}
	require.NotEmpty(t, tables)
	return tables
}

func dbTags(v any) []string {
	var tags []string
	rt := reflect.TypeOf(v)
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("db")
		if tag != "" && tag != "-" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func assertColumns(t *testing.T, schema map[string]map[string]bool, table string, columns []string) {
	t.Helper()
	cols, ok := schema[table]
	require.True(t, ok, "table %s missing from migration", table)
	for _, c := range columns {
		assert.True(t, cols[c], "column %s.%s referenced in Go but absent from migration", table, c)
	}
}

// Every db struct tag must name a real column, so a drift between the
// models and the migration fails here instead of at runtime.
func TestModelTagsMatchMigration(t *testing.T) {
	schema := loadSchema(t)
	for table, model := range map[string]any{
		"accounts":                Account{},
		"actors":                  Actor{},
		"auth_providers":          Provider{},
		"auth_identities":         Identity{},
		"actor_groups":            ActorGroup{},
		"actor_group_memberships": Membership{},
		"tokens":                  Token{},
		"gateways":                Gateway{},
		"relays":                  Relay{},
	} {
		assertColumns(t, schema, table, dbTags(model))
	}
}

func TestSelectColumnListsMatchMigration(t *testing.T) {
	schema := loadSchema(t)
	split := func(list string) []string {
		var out []string
		for _, c := range strings.Split(list, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
		return out
	}
	assertColumns(t, schema, "accounts", split(accountColumns))
	assertColumns(t, schema, "auth_providers", split(providerColumns))
}

// The column lists written by the sync apply and the token store, pinned
// against the migration.
func TestWriteColumnListsMatchMigration(t *testing.T) {
	schema := loadSchema(t)
	assertColumns(t, schema, "actors",
		[]string{"id", "account_id", "name", "type", "inserted_at"})
	assertColumns(t, schema, "auth_identities",
		[]string{"id", "account_id", "provider_id", "provider_identifier",
			"provider_state", "actor_id", "created_by", "inserted_at"})
	assertColumns(t, schema, "actor_groups",
		[]string{"id", "account_id", "provider_id", "provider_identifier",
			"name", "created_by", "inserted_at"})
	assertColumns(t, schema, "actor_group_memberships",
		[]string{"actor_id", "group_id", "account_id", "inserted_at"})
	assertColumns(t, schema, "tokens",
		[]string{"id", "account_id", "type", "secret_salt", "secret_hash",
			"expires_at", "remaining_attempts", "inserted_at"})
	assertColumns(t, schema, "leader_leases",
		[]string{"job_key", "holder_id", "lease_until"})
	assertColumns(t, schema, "configurations", []string{"key", "value"})
}

// Membership writes must carry the account scope; a missing account_id
// would violate the NOT NULL constraint and roll back the whole apply.
func TestMembershipTableRequiresAccountID(t *testing.T) {
	schema := loadSchema(t)
	require.True(t, schema["actor_group_memberships"]["account_id"])
}
