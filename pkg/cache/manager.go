package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultTTL is how long a stored response stays available.
const DefaultTTL = time.Hour

// Config configures a Manager.
type Config struct {
	// Namespace prefixes every key. Defaults to DefaultNamespace.
	Namespace string `mapstructure:"namespace"`

	// TTL is the lifetime of stored responses. Defaults to DefaultTTL.
	TTL time.Duration `mapstructure:"ttl"`

	// Origin is recorded in every entry written by this manager.
	Origin string `mapstructure:"-"`
}

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis  *redis.Client
	config Config
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, config Config) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Manager{
		redis:  redisClient,
		config: config,
	}
}

func (m *Manager) key(nonce uint64) string {
	return Key{Namespace: m.config.Namespace, Nonce: nonce}.String()
}

// Put stores res under its nonce. It implements correlate.ResponseStore.
func (m *Manager) Put(ctx context.Context, res correlate.Result) error {
	return m.set(ctx, res.Nonce, newEntry(res, m.config.Origin, time.Now(), m.config.TTL))
}

// Get retrieves the response stored for nonce.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, nonce uint64) (*correlate.Result, error) {
	entry, err := m.GetEntry(ctx, nonce)
	if err != nil {
		return nil, err
	}
	return &entry.Result, nil
}

// GetEntry retrieves the cache entry stored for nonce.
func (m *Manager) GetEntry(ctx context.Context, nonce uint64) (*Entry, error) {
	data, err := m.redis.Get(ctx, m.key(nonce)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// Redis expiry is second granular; the entry is authoritative.
	if entry.IsExpired() {
		_ = m.Delete(ctx, nonce)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry, nil
}

func (m *Manager) set(ctx context.Context, nonce uint64, entry *Entry) error {
	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, m.key(nonce), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheStoredBytes.Add(float64(len(data)))
	return nil
}

// Delete removes a cached response.
func (m *Manager) Delete(ctx context.Context, nonce uint64) error {
	if err := m.redis.Del(ctx, m.key(nonce)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Touch extends the lifetime of a cached response to ttl from now.
func (m *Manager) Touch(ctx context.Context, nonce uint64, ttl time.Duration) error {
	entry, err := m.GetEntry(ctx, nonce)
	if err != nil {
		return err
	}

	entry.Expires = time.Now().Add(ttl)
	if err := m.set(ctx, nonce, entry); err != nil {
		CacheErrors.WithLabelValues("touch").Inc()
		return err
	}
	return nil
}
