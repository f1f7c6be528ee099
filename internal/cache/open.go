package cache

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Backends lists the accepted backend names.
var Backends = []string{BackendNone, BackendMemory, BackendFile, BackendBolt, BackendRedis, BackendPostgres}

// BackendConfig selects and locates a Store.
type BackendConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"`
	Path      string `yaml:"path" mapstructure:"path"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	DSN       string `yaml:"dsn" mapstructure:"dsn"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Validate checks that the fields the backend needs are set.
func (c *BackendConfig) Validate() error {
	switch c.Backend {
	case "", BackendNone, BackendMemory:
		return nil
	case BackendFile, BackendBolt:
		if c.Path == "" {
			return fmt.Errorf("cache backend %q requires path", c.Backend)
		}
	case BackendRedis:
		if c.Addr == "" {
			return fmt.Errorf("cache backend %q requires addr", c.Backend)
		}
	case BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("cache backend %q requires dsn", c.Backend)
		}
	default:
		return fmt.Errorf("unknown cache backend %q (valid: %v)", c.Backend, Backends)
	}
	return nil
}

// Open opens the configured Store. It returns nil for the "none" backend.
func Open(ctx context.Context, c BackendConfig) (Store, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch c.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(c.Path)
	case BackendBolt:
		return OpenBoltStore(c.Path)
	case BackendRedis:
		return DialRedisStore(ctx, c.Addr, c.KeyPrefix)
	default:
		return OpenSQLStore(ctx, c.DSN)
	}
}
