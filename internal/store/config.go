package store

import (
	"context"
	"fmt"
)

// ConfigSource is a snapshot of the configurations table, used as the
// db-precedence source by the config resolver.
type ConfigSource struct {
	values map[string]string
}

// LoadConfigSource reads all rows of the configurations table. The snapshot
// is taken once at startup; configuration precedence is env > db > default,
// so env changes never require a reload.
func (s *Store) LoadConfigSource(ctx context.Context) (*ConfigSource, error) {
	rows := []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM configurations`); err != nil {
		return nil, fmt.Errorf("load configurations: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Key] = r.Value
	}
	return &ConfigSource{values: values}, nil
}

// Lookup implements config.Source.
func (c *ConfigSource) Lookup(name string) (string, bool) {
	v, ok := c.values[name]
	return v, ok
}
