package config

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]string

func (m mapSource) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func testKeys() []Key {
	return []Key{
		{Name: "greeting", Kind: KindString, Default: "hello"},
		{Name: "workers", Kind: KindInt, Default: 4},
		{Name: "verbose", Kind: KindBool, Default: false},
		{Name: "interval", Kind: KindDuration, Default: 30 * time.Second},
		{Name: "api_token", Kind: KindString, Sensitive: true,
			Validate: func(v any) error {
				if len(v.(string)) < 8 {
					return fmt.Errorf("must be at least 8 characters")
				}
				return nil
			},
			Doc: "API token used for outbound calls."},
		{Name: "required", Kind: KindString},
		{Name: "tables", Kind: KindArray, Elem: KindString,
			DefaultFn: func() any { return []string{"a", "b"} }},
		{Name: "mode", Kind: KindEnum, Enum: []string{"fast", "safe"}, Default: "safe"},
	}
}

func TestResolvePrecedenceEnvOverDB(t *testing.T) {
	r := NewResolver(testKeys(),
		envOf(map[string]string{"GREETING": "from-env"}),
		mapSource{"greeting": "from-db"})
	v, err := r.String("greeting")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestResolvePrecedenceDBOverDefault(t *testing.T) {
	r := NewResolver(testKeys(), envOf(nil), mapSource{"greeting": "from-db"})
	v, err := r.String("greeting")
	require.NoError(t, err)
	assert.Equal(t, "from-db", v)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := NewResolver(testKeys(), envOf(nil), nil)

	v, err := r.String("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	n, err := r.Int("workers")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	d, err := r.Duration("interval")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	tables, err := r.Strings("tables")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tables)
}

func TestResolveBoolSpellings(t *testing.T) {
	for raw, want := range map[string]bool{"1": true, "true": true, "TRUE": true, "0": false, "false": false} {
		r := NewResolver(testKeys(), envOf(map[string]string{"VERBOSE": raw}), nil)
		v, err := r.Bool("verbose")
		require.NoError(t, err, "raw %q", raw)
		assert.Equal(t, want, v, "raw %q", raw)
	}

	r := NewResolver(testKeys(), envOf(map[string]string{"VERBOSE": "yes"}), nil)
	_, err := r.Bool("verbose")
	assert.Error(t, err)
}

func TestResolveMissingRequiredKey(t *testing.T) {
	r := NewResolver(testKeys(), envOf(nil), nil)
	_, err := r.String("required")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUIRED")
	assert.Contains(t, err.Error(), "no value provided")
}

func TestInvalidValueErrorNamesSourceAndDoc(t *testing.T) {
	r := NewResolver(testKeys(), envOf(map[string]string{"WORKERS": "many"}), nil)
	_, err := r.Int("workers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKERS")
	assert.Contains(t, err.Error(), "(from env)")
	assert.Contains(t, err.Error(), `expected an integer, got "many"`)
}

func TestSensitiveValuesAreRedacted(t *testing.T) {
	r := NewResolver(testKeys(), envOf(map[string]string{"API_TOKEN": "short"}), nil)
	_, err := r.String("api_token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[redacted]")
	assert.NotContains(t, err.Error(), "short")
	assert.Contains(t, err.Error(), "API token used for outbound calls.")
}

func TestResolveEnum(t *testing.T) {
	r := NewResolver(testKeys(), envOf(map[string]string{"MODE": "fast"}), nil)
	v, err := r.String("mode")
	require.NoError(t, err)
	assert.Equal(t, "fast", v)

	r = NewResolver(testKeys(), envOf(map[string]string{"MODE": "reckless"}), nil)
	_, err = r.String("mode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected one of fast, safe")
}

func TestResolveArraySplitsAndTrims(t *testing.T) {
	r := NewResolver(testKeys(), envOf(map[string]string{"TABLES": "accounts, tokens ,,gateways"}), nil)
	v, err := r.Strings("tables")
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "tokens", "gateways"}, v)
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort(8080))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(70000))
}

func TestValidateFQDN(t *testing.T) {
	assert.NoError(t, ValidateFQDN("app.firezone.dev"))
	assert.Error(t, ValidateFQDN("not a hostname"))
	assert.Error(t, ValidateFQDN(""))
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("ops@firezone.dev"))
	assert.Error(t, ValidateEmail("nope"))
}

func TestValidateCIDRNotReserved(t *testing.T) {
	_, public, err := net.ParseCIDR("203.0.113.0/24")
	require.NoError(t, err)
	_, loopback, err := net.ParseCIDR("127.0.0.0/8")
	require.NoError(t, err)

	assert.NoError(t, ValidateCIDRNotReserved(public))
	assert.Error(t, ValidateCIDRNotReserved(loopback))
}

func TestValidateUnique(t *testing.T) {
	assert.NoError(t, ValidateUnique([]any{"a", "b"}))
	assert.Error(t, ValidateUnique([]any{"a", "a"}))
}

func TestLoadAccumulatesErrors(t *testing.T) {
	r := NewResolver(Keys(), envOf(map[string]string{
		"HTTP_PORT":          "-1",
		"SYNC_TICK_INTERVAL": "soon",
		"DATABASE_URL":       "postgres://localhost/firezone",
	}), nil)
	_, err := Load(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_PORT")
	assert.Contains(t, err.Error(), "SYNC_TICK_INTERVAL")
}

func TestLoadDefaults(t *testing.T) {
	r := NewResolver(Keys(), envOf(map[string]string{
		"DATABASE_URL": "postgres://localhost/firezone",
	}), nil)
	s, err := Load(r)
	require.NoError(t, err)
	assert.Equal(t, "events", s.ReplicationPublication)
	assert.Equal(t, "events_slot", s.ReplicationSlot)
	assert.Equal(t, 1, s.ReplicationProtoVersion)
	assert.Equal(t, DefaultReplicationTables, s.ReplicationTables)
	assert.Equal(t, 30*time.Second, s.SyncTickInterval)
	assert.Equal(t, 5, s.SyncBatchSize)
}
