package dedup

import (
	"context"
	"errors"
	"time"
)

// ErrPersist wraps every backend write failure returned by Store.Persist.
var ErrPersist = errors.New("dedup persist failed")

// Config selects and configures the persistence backend.
type Config struct {
	Driver string
	// Dir holds per-publisher JSON files for the file driver.
	Dir string
	// Path is the database file for the sqlite driver.
	Path        string
	BusyTimeout time.Duration
	// DSN is the postgres connection string.
	DSN   string
	Redis RedisConfig
	// Retention evicts keys not seen for this long. Zero keeps keys forever.
	Retention time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Snapshot is what a Backend is asked to persist. All is the full current
// set; Upserts and Removed are the changes since the last successful save.
type Snapshot struct {
	Publisher string
	All       map[string]time.Time
	Upserts   map[string]time.Time
	Removed   []string
}

// Backend persists one publisher's seen keys.
type Backend interface {
	Load(ctx context.Context) (map[string]time.Time, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}
