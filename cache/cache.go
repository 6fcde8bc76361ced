// Package cache mirrors presence records and bus stats into Redis so
// external dashboards can read them without touching the bus daemon.
//
// Graceful fallback: when Redis is unreachable or not configured, every
// operation is a silent no-op. The bus never depends on the mirror.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes under which mirrored state is stored.
const (
	KeyPresence = "commbus:presence:" // per-agent presence record
	KeyStats    = "commbus:stats"     // bus stats snapshot
)

// Config holds Redis connection settings. An empty URL disables the
// mirror entirely.
type Config struct {
	URL      string
	Password string
	DB       int
	TTL      time.Duration // expiry for mirrored keys, default 5m
}

// Mirror writes presence and stats snapshots to Redis.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis and returns the mirror. A nil return with nil
// error means the mirror is disabled (no URL, or Redis unreachable) —
// callers treat a nil *Mirror as a no-op.
func New(cfg Config, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		logger.Debug("redis mirror disabled: no URL configured")
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis mirror unavailable, continuing without it", slog.Any("err", err))
		client.Close()
		return nil, nil
	}

	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	logger.Info("redis mirror connected", slog.String("url", cfg.URL))
	return &Mirror{client: client, ttl: cfg.TTL, logger: logger}, nil
}

// Close releases the Redis connection. Safe on a nil mirror.
func (m *Mirror) Close() {
	if m == nil || m.client == nil {
		return
	}
	m.client.Close()
}

// SetJSON mirrors one value under key. Safe on a nil mirror.
func (m *Mirror) SetJSON(ctx context.Context, key string, v any) {
	if m == nil || m.client == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("mirror marshal", slog.String("key", key), slog.Any("err", err))
		return
	}
	if err := m.client.Set(ctx, key, data, m.ttl).Err(); err != nil {
		m.logger.Warn("mirror set", slog.String("key", key), slog.Any("err", err))
	}
}

// PresenceKey returns the Redis key for one agent's presence record.
func PresenceKey(agentID string) string { return KeyPresence + agentID }
