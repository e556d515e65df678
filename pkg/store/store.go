// Package store persists tile regions, profiles and group profiles as compressed JSON values
// in a flat key/value table. Keys are "<group>.<key>", mirroring a config-group layout.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tilesync/pkg/core"
)

// Backend is the raw key/value table behind a Store.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get reports ok=false for a missing key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverBolt     = "bolt"
)

type Config struct {
	// Driver is one of the Driver* constants; empty means sqlite.
	Driver string
	// DSN is a file path for sqlite, sqlite3 and bolt, a connection URL for postgres, and
	// host:port for redis.
	DSN    string
	Logger zerolog.Logger
}

type Store struct {
	backend Backend
	log     zerolog.Logger
}

var ErrUnsupportedDriver = errors.New("store: unsupported driver")

// Open connects to the configured backend and prepares its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	var (
		b   Backend
		err error
	)
	switch driver {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
		b, err = openSQL(ctx, driver, cfg.DSN)
	case DriverRedis:
		b, err = openRedis(ctx, cfg.DSN)
	case DriverBolt:
		b, err = openBolt(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info().Str("driver", driver).Msg("store opened")
	return New(b, cfg.Logger), nil
}

// New wraps an already opened backend.
func New(b Backend, log zerolog.Logger) *Store {
	return &Store{backend: b, log: log}
}

func fullKey(group, key string) string {
	return group + "." + key
}

// Save stores value as lz4-compressed JSON under group.key.
func (s *Store) Save(ctx context.Context, group, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", group, key, err)
	}
	packed, err := core.Compress(raw)
	if err != nil {
		return fmt.Errorf("compress %s.%s: %w", group, key, err)
	}
	if err := s.backend.Put(ctx, fullKey(group, key), packed); err != nil {
		return fmt.Errorf("save %s.%s: %w", group, key, err)
	}
	return nil
}

// LoadOrDefault returns def when the key is missing. A value that cannot be decoded is an
// error, not a default.
func LoadOrDefault[T any](ctx context.Context, s *Store, group, key string, def T) (T, error) {
	packed, ok, err := s.backend.Get(ctx, fullKey(group, key))
	if err != nil {
		return def, fmt.Errorf("load %s.%s: %w", group, key, err)
	}
	if !ok {
		return def, nil
	}
	raw, err := core.Decompress(packed)
	if err != nil {
		return def, fmt.Errorf("decompress %s.%s: %w", group, key, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return def, fmt.Errorf("decode %s.%s: %w", group, key, err)
	}
	return out, nil
}

// Delete is a no-op for a missing key.
func (s *Store) Delete(ctx context.Context, group, key string) error {
	if err := s.backend.Delete(ctx, fullKey(group, key)); err != nil {
		return fmt.Errorf("delete %s.%s: %w", group, key, err)
	}
	return nil
}

// ListKeysByPrefix returns full "group.key" keys starting with prefix. The prefix is matched
// literally; '_' and '%' carry no special meaning.
func (s *Store) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.backend.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys %q: %w", prefix, err)
	}
	return keys, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}
