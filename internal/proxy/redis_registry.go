package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror optionally mirrors registry entries into Redis so that
// multiple runner processes behind a shared cache can look up which
// process owns a given source IP, without reading each other's on-disk
// registry files directly. The on-disk registry stays authoritative for
// the addon script; the mirror exists purely for cross-process
// introspection, so mirror failures are logged, never fatal.
type RedisMirror struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisMirror dials a Redis client lazily (go-redis connects on first
// use) against addr. ttl bounds how long a stale entry survives a runner
// crash that skips UnregisterVM.
func NewRedisMirror(addr, keyPrefix string, ttl time.Duration) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "ocxrun:proxy:"
	}
	if ttl == 0 {
		ttl = 1 * time.Hour
	}
	return &RedisMirror{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (m *RedisMirror) key(sourceIP string) string {
	return m.keyPrefix + sourceIP
}

// Set mirrors sourceIP's registry entry into Redis.
func (m *RedisMirror) Set(ctx context.Context, sourceIP string, entry vmEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("proxy: marshal redis mirror entry: %w", err)
	}
	if err := m.client.Set(ctx, m.key(sourceIP), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("proxy: redis mirror set: %w", err)
	}
	return nil
}

// Delete removes sourceIP's mirrored entry.
func (m *RedisMirror) Delete(ctx context.Context, sourceIP string) error {
	if err := m.client.Del(ctx, m.key(sourceIP)).Err(); err != nil {
		return fmt.Errorf("proxy: redis mirror delete: %w", err)
	}
	return nil
}

// Lookup returns the entry mirrored for sourceIP by any runner process
// sharing this Redis instance. The bool is false on a clean miss.
func (m *RedisMirror) Lookup(ctx context.Context, sourceIP string) (vmEntry, bool, error) {
	data, err := m.client.Get(ctx, m.key(sourceIP)).Bytes()
	if err == redis.Nil {
		return vmEntry{}, false, nil
	}
	if err != nil {
		return vmEntry{}, false, fmt.Errorf("proxy: redis mirror get: %w", err)
	}
	var entry vmEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return vmEntry{}, false, fmt.Errorf("proxy: unmarshal redis mirror entry: %w", err)
	}
	return entry, true, nil
}

// Close releases the underlying connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
