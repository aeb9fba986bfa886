package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "pollwatch/pkg/logx"
)

type redisProvider struct {
	client *redis.Client
	prefix string
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Provider, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("dedup.redis.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "pollwatch:seen:"
	}
	log.Debug("dedup redis connected", logx.String("addr", addr))
	return &redisProvider{client: client, prefix: prefix}, nil
}

func (p *redisProvider) Backend(publisher string) Backend {
	return noClose{&redisBackend{client: p.client, key: p.prefix + sanitize(publisher)}}
}

func (p *redisProvider) Close() error { return p.client.Close() }

// redisBackend keeps one hash per publisher: field = item key, value = day.
type redisBackend struct {
	client *redis.Client
	key    string
}

func (b *redisBackend) Load(ctx context.Context) (map[string]time.Time, error) {
	m, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, err
	}
	today := day(time.Now())
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = parseDay(v, today)
	}
	return out, nil
}

func (b *redisBackend) Save(ctx context.Context, snap Snapshot) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(snap.Upserts) > 0 {
			vals := make(map[string]any, len(snap.Upserts))
			for k, v := range snap.Upserts {
				vals[k] = v.Format(time.DateOnly)
			}
			pipe.HSet(ctx, b.key, vals)
		}
		if len(snap.Removed) > 0 {
			pipe.HDel(ctx, b.key, snap.Removed...)
		}
		return nil
	})
	return err
}

func (b *redisBackend) Close() error { return nil }
