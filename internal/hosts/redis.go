package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey is the hash holding one JSON status per host field.
	DefaultRedisKey = "chunkget:hosts"
	failureSuffix   = ":failures"
	recordTimeout   = 2 * time.Second
)

// RedisTable reads the shared network status table from a Redis hash and
// reports failures into a sibling counter hash.
type RedisTable struct {
	cl  *redis.Client
	key string
	log *slog.Logger

	mu     sync.RWMutex
	cached []Status
}

// NewRedisTable creates a table backed by key. Call Refresh before the
// first Snapshot.
func NewRedisTable(cl *redis.Client, key string, log *slog.Logger) *RedisTable {
	if key == "" {
		key = DefaultRedisKey
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisTable{
		cl:  cl,
		key: key,
		log: log.With(slog.String("item", "RedisTable")),
	}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cl := redis.NewClient(opts)
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return cl, nil
}

// Refresh reloads the cached snapshot.
func (t *RedisTable) Refresh(ctx context.Context) error {
	fields, err := t.cl.HGetAll(ctx, t.key).Result()
	if err != nil {
		return fmt.Errorf("cannot get host table: %w", err)
	}
	rows, err := DecodeStatuses(fields)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.cached = rows
	t.mu.Unlock()
	t.log.Debug("host table refreshed", slog.Int("hosts", len(rows)))
	return nil
}

// Run refreshes the snapshot every interval until ctx ends.
func (t *RedisTable) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
				t.log.Warn("host table refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Snapshot returns the last refreshed rows.
func (t *RedisTable) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Status(nil), t.cached...)
}

// RecordFailure increments the host's failure counter.
func (t *RedisTable) RecordFailure(host string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if e := t.cl.HIncrBy(ctx, t.key+failureSuffix, host, 1).Err(); e != nil {
		t.log.Debug("cannot record host failure", slog.String("host", host), slog.Any("error", e))
	}
}

// RecordSuccess clears the host's failure counter.
func (t *RedisTable) RecordSuccess(host string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	_ = t.cl.HDel(ctx, t.key+failureSuffix, host).Err()
}

// DecodeStatuses parses HGETALL output. The field name is the host and
// overrides any host inside the JSON value.
func DecodeStatuses(fields map[string]string) ([]Status, error) {
	rows := make([]Status, 0, len(fields))
	for host, raw := range fields {
		var s Status
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("host %q: decode status: %w", host, err)
		}
		s.Host = host
		rows = append(rows, s)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Host < rows[j].Host })
	return rows, nil
}
