package dedup

import (
	"context"
	"errors"
	"strings"

	logx "pollwatch/pkg/logx"
)

// Provider hands out per-publisher backends over one shared connection.
type Provider interface {
	Backend(publisher string) Backend
	Close() error
}

// Open initializes the configured driver. An empty driver means "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		dir := strings.TrimSpace(cfg.Dir)
		if dir == "" {
			dir = "./state"
		}
		return fileProvider{dir: dir}, nil
	case "memory", "none":
		return memoryProvider{}, nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown dedup driver: " + driver)
	}
}

type fileProvider struct{ dir string }

func (p fileProvider) Backend(publisher string) Backend {
	return NewFileBackend(StatePath(p.dir, publisher))
}

func (fileProvider) Close() error { return nil }

type memoryProvider struct{}

func (memoryProvider) Backend(string) Backend { return NewMemoryBackend() }

func (memoryProvider) Close() error { return nil }

// noClose wraps a shared backend so per-publisher Close calls leave the
// provider's connection open.
type noClose struct{ Backend }

func (noClose) Close() error { return nil }
