// Package config resolves typed configuration keys with precedence
// env > db > default. Every key has a 1:1 uppercased environment variable
// name; database-backed overrides come from an optional Source.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the value types a configuration key can carry.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindDuration
	KindMap
	KindIP
	KindCIDR
	KindArray
	KindEnum
)

// Key describes a single configuration key.
type Key struct {
	// Name is the canonical lower_snake_case key name. The environment
	// variable name is strings.ToUpper(Name).
	Name string

	Kind Kind

	// Default is the literal default value. DefaultFn takes precedence when
	// set and is evaluated at resolve time.
	Default   any
	DefaultFn func() any

	// Validate inspects the parsed value and returns a reason when invalid.
	Validate func(any) error

	// Dump renders the value for diagnostics. Sensitive keys are redacted
	// before Dump is consulted.
	Dump func(any) string

	// Sensitive values never appear in diagnostics or logs.
	Sensitive bool

	// Doc is a one-line description referenced in error messages.
	Doc string

	// ArraySep is the element separator for KindArray keys. Defaults to ",".
	ArraySep string
	// Elem is the element kind for KindArray keys.
	Elem Kind

	// Enum lists the allowed values for KindEnum keys.
	Enum []string
}

func (k Key) envName() string { return strings.ToUpper(k.Name) }

// Source supplies database-backed configuration overrides. Lookup returns
// the raw string value and whether the key is present.
type Source interface {
	Lookup(name string) (string, bool)
}

// Resolver resolves registered keys against the environment, an optional
// database source, and key defaults, in that order.
type Resolver struct {
	keys map[string]Key
	env  func(string) (string, bool)
	db   Source
}

// NewResolver builds a resolver over the given key registry. env may be nil
// to use os.LookupEnv; db may be nil when no database overrides exist.
func NewResolver(keys []Key, env func(string) (string, bool), db Source) *Resolver {
	m := make(map[string]Key, len(keys))
	for _, k := range keys {
		m[k.Name] = k
	}
	return &Resolver{keys: m, env: env, db: db}
}

type source string

const (
	sourceEnv     source = "env"
	sourceDB      source = "db"
	sourceDefault source = "default"
)

// Resolve returns the effective value for name. Invalid values produce a
// multi-line error naming the source, the offending value (redacted when
// sensitive), the reason, and the key documentation.
func (r *Resolver) Resolve(name string) (any, error) {
	key, ok := r.keys[name]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key %q", name)
	}

	if raw, ok := r.lookupEnv(key); ok {
		return r.parse(key, raw, sourceEnv)
	}
	if r.db != nil {
		if raw, ok := r.db.Lookup(key.Name); ok {
			return r.parse(key, raw, sourceDB)
		}
	}

	var def any
	if key.DefaultFn != nil {
		def = key.DefaultFn()
	} else {
		def = key.Default
	}
	if def == nil {
		return nil, r.invalid(key, "", sourceDefault, "no value provided and the key has no default")
	}
	if key.Validate != nil {
		if err := key.Validate(def); err != nil {
			return nil, r.invalid(key, fmt.Sprint(def), sourceDefault, err.Error())
		}
	}
	return def, nil
}

func (r *Resolver) lookupEnv(key Key) (string, bool) {
	if r.env == nil {
		return "", false
	}
	return r.env(key.envName())
}

func (r *Resolver) parse(key Key, raw string, src source) (any, error) {
	v, err := parseKind(key.Kind, key, raw)
	if err != nil {
		return nil, r.invalid(key, raw, src, err.Error())
	}
	if key.Validate != nil {
		if err := key.Validate(v); err != nil {
			return nil, r.invalid(key, raw, src, err.Error())
		}
	}
	return v, nil
}

func parseKind(kind Kind, key Key, raw string) (any, error) {
	switch kind {
	case KindString:
		return raw, nil
	case KindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", raw)
		}
		return n, nil
	case KindBool:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, fmt.Errorf(`expected one of "1", "0", "true", "false", got %q`, raw)
	case KindDuration:
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("expected a duration such as 30s or 5m, got %q", raw)
		}
		return d, nil
	case KindMap:
		return parseMap(raw)
	case KindIP:
		return parseIP(raw)
	case KindCIDR:
		return parseCIDR(raw)
	case KindArray:
		sep := key.ArraySep
		if sep == "" {
			sep = ","
		}
		parts := strings.Split(raw, sep)
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			v, err := parseKind(key.Elem, Key{}, p)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case KindEnum:
		v := strings.TrimSpace(raw)
		for _, allowed := range key.Enum {
			if v == allowed {
				return v, nil
			}
		}
		return nil, fmt.Errorf("expected one of %s, got %q", strings.Join(key.Enum, ", "), raw)
	}
	return nil, fmt.Errorf("unsupported key kind %d", kind)
}

func (r *Resolver) invalid(key Key, raw string, src source, reason string) error {
	shown := raw
	if key.Sensitive {
		shown = "[redacted]"
	} else if key.Dump != nil && raw != "" {
		shown = key.Dump(raw)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid value for configuration key %s (from %s)", key.envName(), src)
	if shown != "" {
		fmt.Fprintf(&b, ":\n  value: %s", shown)
	}
	fmt.Fprintf(&b, "\n  reason: %s", reason)
	if key.Doc != "" {
		fmt.Fprintf(&b, "\n  documentation: %s", key.Doc)
	}
	return fmt.Errorf("%s", b.String())
}

// String resolves name as a string.
func (r *Resolver) String(name string) (string, error) {
	v, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("configuration key %s is not a string", name)
	}
	return s, nil
}

// Int resolves name as an int.
func (r *Resolver) Int(name string) (int, error) {
	v, err := r.Resolve(name)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("configuration key %s is not an int", name)
	}
	return n, nil
}

// Bool resolves name as a bool.
func (r *Resolver) Bool(name string) (bool, error) {
	v, err := r.Resolve(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("configuration key %s is not a bool", name)
	}
	return b, nil
}

// Duration resolves name as a time.Duration.
func (r *Resolver) Duration(name string) (time.Duration, error) {
	v, err := r.Resolve(name)
	if err != nil {
		return 0, err
	}
	d, ok := v.(time.Duration)
	if !ok {
		return 0, fmt.Errorf("configuration key %s is not a duration", name)
	}
	return d, nil
}

// Strings resolves name as a []string (array keys with string elements).
func (r *Resolver) Strings(name string) ([]string, error) {
	v, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("configuration key %s has a non-string element", name)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("configuration key %s is not an array", name)
}
