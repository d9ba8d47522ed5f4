package stores

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables consulted when a tunable is not set explicitly.
// Explicit settings take precedence.
const (
	// EnvMaxTables overrides the maximum number of named sub-tables.
	EnvMaxTables = "WEFT_STORE_MAX_TABLES"

	// EnvMaxMapSize overrides the maximum backing map size in bytes.
	EnvMaxMapSize = "WEFT_STORE_MAP_SIZE"
)

// Built-in tunable defaults.
const (
	// DefaultMaxTables bounds the named sub-tables ({app}:memo and
	// {app}:targets count as two per application).
	DefaultMaxTables = 256

	// DefaultMaxMapSize bounds the backing database size in bytes.
	DefaultMaxMapSize = 1 << 32 // 4 GiB
)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path (":memory:" for tests).
	Path string

	// MaxTables caps the number of named sub-tables across all
	// applications. Zero defers to WEFT_STORE_MAX_TABLES, then the default.
	MaxTables int

	// MaxMapSize caps the backing map size in bytes. Zero defers to
	// WEFT_STORE_MAP_SIZE, then the default.
	MaxMapSize int64

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int

	// MaxIdleConns bounds idle connections.
	MaxIdleConns int

	// ConnMaxLifetime bounds connection reuse.
	ConnMaxLifetime time.Duration
}

// resolveMaxTables resolves the sub-table cap with precedence: explicit
// setting, environment variable, built-in default.
func (c Config) resolveMaxTables() (int, error) {
	if c.MaxTables > 0 {
		return c.MaxTables, nil
	}
	if v := os.Getenv(EnvMaxTables); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%s must be a positive integer, got %q", EnvMaxTables, v)
		}
		return n, nil
	}
	return DefaultMaxTables, nil
}

// resolveMaxMapSize resolves the map-size cap with the same precedence.
func (c Config) resolveMaxMapSize() (int64, error) {
	if c.MaxMapSize > 0 {
		return c.MaxMapSize, nil
	}
	if v := os.Getenv(EnvMaxMapSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%s must be a positive integer, got %q", EnvMaxMapSize, v)
		}
		return n, nil
	}
	return DefaultMaxMapSize, nil
}
