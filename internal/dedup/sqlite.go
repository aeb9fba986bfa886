//go:build sqlite

package dedup

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pollwatch/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteProvider struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Provider, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("dedup.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; publishers serialize through the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("dedup sqlite opened", logx.String("path", path))
	return &sqliteProvider{db: db, log: log}, nil
}

func (p *sqliteProvider) Backend(publisher string) Backend {
	return noClose{&sqliteBackend{db: p.db, publisher: publisher}}
}

func (p *sqliteProvider) Close() error { return p.db.Close() }

type sqliteBackend struct {
	db        *sql.DB
	publisher string
}

func (b *sqliteBackend) Load(ctx context.Context) (map[string]time.Time, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, seen_on FROM seen_keys WHERE publisher = ?`, b.publisher)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	today := day(time.Now())
	out := map[string]time.Time{}
	for rows.Next() {
		var k, on string
		if err := rows.Scan(&k, &on); err != nil {
			return nil, err
		}
		out[k] = parseDay(on, today)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) Save(ctx context.Context, snap Snapshot) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range snap.Upserts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seen_keys(publisher, key, seen_on) VALUES(?,?,?)
			 ON CONFLICT(publisher, key) DO UPDATE SET seen_on = excluded.seen_on`,
			b.publisher, k, v.Format(time.DateOnly)); err != nil {
			return err
		}
	}
	for _, k := range snap.Removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM seen_keys WHERE publisher = ? AND key = ?`, b.publisher, k); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *sqliteBackend) Close() error { return nil }
