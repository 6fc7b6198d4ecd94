// Package hotcache mirrors warmed predictions into Redis so that repeat lookups
// skip SQLite. Redis is never authoritative: entries expire on their own and
// hit/miss accounting stays in the database.
package hotcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mundotango/prefetchd/internal/predict"
)

// RedisMirror implements predict.Mirror on top of a Redis client.
type RedisMirror struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisMirror connects to addr and verifies the connection with a PING.
func NewRedisMirror(ctx context.Context, addr, prefix string) (*RedisMirror, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if prefix == "" {
		prefix = "prefetchd"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisMirror{rdb: rdb, prefix: prefix}, nil
}

func (m *RedisMirror) key(userID int64, currentPage string) string {
	return fmt.Sprintf("%s:prediction:%d:%s", m.prefix, userID, currentPage)
}

// Get returns the mirrored prediction; ok is false when Redis has no entry.
func (m *RedisMirror) Get(ctx context.Context, userID int64, currentPage string) (predict.Prediction, bool, error) {
	raw, err := m.rdb.Get(ctx, m.key(userID, currentPage)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return predict.Prediction{}, false, nil
	}
	if err != nil {
		return predict.Prediction{}, false, fmt.Errorf("redis get: %w", err)
	}

	var p predict.Prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return predict.Prediction{}, false, fmt.Errorf("decoding mirrored prediction: %w", err)
	}
	if p.PredictedPages == nil {
		p.PredictedPages = []string{}
	}
	return p, true, nil
}

// Put stores p under its (user, page) key for ttl.
func (m *RedisMirror) Put(ctx context.Context, userID int64, p predict.Prediction, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, m.key(userID, p.CurrentPage), raw, ttl).Err()
}

// Close releases the Redis connection pool.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
