package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "pollwatch/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS seen_keys (
    publisher TEXT NOT NULL,
    key       TEXT NOT NULL,
    seen_on   DATE NOT NULL,
    PRIMARY KEY (publisher, key)
)`

type postgresProvider struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Provider, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("dedup.dsn is required for postgres driver")
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(cctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := pool.Exec(cctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("dedup postgres connected")
	return &postgresProvider{pool: pool}, nil
}

func (p *postgresProvider) Backend(publisher string) Backend {
	return noClose{&postgresBackend{pool: p.pool, publisher: publisher}}
}

func (p *postgresProvider) Close() error {
	p.pool.Close()
	return nil
}

type postgresBackend struct {
	pool      *pgxpool.Pool
	publisher string
}

func (b *postgresBackend) Load(ctx context.Context) (map[string]time.Time, error) {
	rows, err := b.pool.Query(ctx, `SELECT key, seen_on FROM seen_keys WHERE publisher = $1`, b.publisher)
	if err != nil {
		return nil, err
	}
	out := map[string]time.Time{}
	var (
		k  string
		on time.Time
	)
	_, err = pgx.ForEachRow(rows, []any{&k, &on}, func() error {
		out[k] = day(on)
		return nil
	})
	return out, err
}

func (b *postgresBackend) Save(ctx context.Context, snap Snapshot) error {
	batch := &pgx.Batch{}
	for k, v := range snap.Upserts {
		batch.Queue(`INSERT INTO seen_keys(publisher, key, seen_on) VALUES($1,$2,$3)
			ON CONFLICT (publisher, key) DO UPDATE SET seen_on = EXCLUDED.seen_on`, b.publisher, k, v)
	}
	if len(snap.Removed) > 0 {
		batch.Queue(`DELETE FROM seen_keys WHERE publisher = $1 AND key = ANY($2)`, b.publisher, snap.Removed)
	}
	if batch.Len() == 0 {
		return nil
	}
	return b.pool.SendBatch(ctx, batch).Close()
}

func (b *postgresBackend) Close() error { return nil }
