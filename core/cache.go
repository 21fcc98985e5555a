/*
Package core provides caching of NLU responses for the parley gateway.

Classifying the same utterance twice returns the same answer from the NLU
service, so validated response bodies can be reused for a short time. The
cache stores raw bodies rather than mapped results; intent mapping and the
confidence gate always run on every request.

Key components:
- IntentCache: storage contract used by the Wit.AI adapter
- MemoryIntentCache: process-local TTL cache with a background sweep
- RedisIntentCache: shared TTL cache backed by Redis
- NewIntentCache: factory selecting a backend by name
*/
package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Supported intent cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// IntentCache stores validated NLU response bodies keyed by utterance.
type IntentCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, body []byte)
	Close() error
}

// CacheKey normalizes an utterance into a cache key. Case and surrounding
// whitespace do not change the classification.
func CacheKey(message string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(message))))
	return hex.EncodeToString(sum[:])
}

type cacheOptions struct {
	ttl             time.Duration
	cleanupInterval time.Duration
	redisClient     *redis.Client
	redisOptions    *redis.Options
	keyPrefix       string
	logger          *logrus.Logger
}

// CacheOption configures NewIntentCache.
type CacheOption func(*cacheOptions)

// WithCacheTTL sets how long entries stay valid.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) { o.ttl = ttl }
}

// WithCleanupInterval sets how often the memory backend sweeps expired entries.
func WithCleanupInterval(interval time.Duration) CacheOption {
	return func(o *cacheOptions) { o.cleanupInterval = interval }
}

// WithRedisClient uses an existing client for the redis backend.
func WithRedisClient(client *redis.Client) CacheOption {
	return func(o *cacheOptions) { o.redisClient = client }
}

// WithRedisOptions configures the client created for the redis backend.
func WithRedisOptions(opts *redis.Options) CacheOption {
	return func(o *cacheOptions) { o.redisOptions = opts }
}

// WithKeyPrefix sets the key namespace used by the redis backend.
func WithKeyPrefix(prefix string) CacheOption {
	return func(o *cacheOptions) { o.keyPrefix = prefix }
}

// WithCacheLogger sets the logger used by the cache.
func WithCacheLogger(logger *logrus.Logger) CacheOption {
	return func(o *cacheOptions) { o.logger = logger }
}

// NewIntentCache creates the cache backend named by kind. The "none" backend
// returns a nil cache, which the adapter treats as disabled.
func NewIntentCache(kind string, opts ...CacheOption) (IntentCache, error) {
	o := &cacheOptions{
		ttl:             5 * time.Minute,
		cleanupInterval: time.Minute,
		keyPrefix:       "parley:intent:",
		logger:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}

	switch kind {
	case "", CacheNone:
		return nil, nil
	case CacheMemory:
		return NewMemoryIntentCache(o.ttl, o.cleanupInterval, o.logger), nil
	case CacheRedis:
		client := o.redisClient
		if client == nil {
			if o.redisOptions == nil {
				return nil, errors.New("redis intent cache requires a client or connection options")
			}
			client = redis.NewClient(o.redisOptions)
		}
		return NewRedisIntentCache(client, o.keyPrefix, o.ttl, o.logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCacheType, kind)
	}
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

// MemoryIntentCache keeps entries in process memory and removes expired ones
// on a fixed interval.
type MemoryIntentCache struct {
	entries         map[string]cacheEntry
	mutex           sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          *logrus.Entry
	stop            chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// NewMemoryIntentCache creates a memory cache and starts its sweep goroutine.
// Close stops the sweep.
//
// Parameters:
//   - ttl: How long an entry remains valid
//   - cleanupInterval: How often expired entries are removed
//   - logger: Logger instance for operational monitoring
//
// Returns:
//   - *MemoryIntentCache: Cache ready for use
func NewMemoryIntentCache(ttl, cleanupInterval time.Duration, logger *logrus.Logger) *MemoryIntentCache {
	cache := &MemoryIntentCache{
		entries:         make(map[string]cacheEntry),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		logger:          logger.WithField("component", "intent-cache"),
		stop:            make(chan struct{}),
		now:             time.Now,
	}

	go cache.cleanupExpiredEntries()

	return cache
}

// Get returns the cached body for key if present and unexpired.
func (c *MemoryIntentCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mutex.RLock()
	entry, ok := c.entries[key]
	c.mutex.RUnlock()

	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.body, true
}

// Set stores body under key for the configured TTL.
func (c *MemoryIntentCache) Set(_ context.Context, key string, body []byte) {
	stored := make([]byte, len(body))
	copy(stored, body)

	c.mutex.Lock()
	c.entries[key] = cacheEntry{body: stored, expiresAt: c.now().Add(c.ttl)}
	c.mutex.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *MemoryIntentCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// Close stops the background sweep. It is safe to call more than once.
func (c *MemoryIntentCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// cleanupExpiredEntries runs as a background goroutine until Close is called.
func (c *MemoryIntentCache) cleanupExpiredEntries() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryIntentCache) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	expired := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			expired++
		}
	}

	if expired > 0 {
		c.logger.WithFields(logrus.Fields{
			"expiredEntries":   expired,
			"remainingEntries": len(c.entries),
			"cleanupInterval":  c.cleanupInterval,
		}).Info("Cleaned up expired intent cache entries")
	}
}

// RedisIntentCache shares cached NLU responses between server instances.
type RedisIntentCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Entry
}

// NewRedisIntentCache creates a cache on top of an existing redis client.
func NewRedisIntentCache(client *redis.Client, prefix string, ttl time.Duration, logger *logrus.Logger) *RedisIntentCache {
	return &RedisIntentCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.WithField("component", "intent-cache"),
	}
}

// Get returns the cached body for key. Redis errors are logged and reported
// as a miss.
func (c *RedisIntentCache) Get(ctx context.Context, key string) ([]byte, bool) {
	body, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Warn("Intent cache lookup failed")
		return nil, false
	}
	return body, true
}

// Set stores body under key for the configured TTL. Failures are logged only.
func (c *RedisIntentCache) Set(ctx context.Context, key string, body []byte) {
	if err := c.client.Set(ctx, c.prefix+key, body, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Intent cache write failed")
	}
}

// Ping checks connectivity to redis.
func (c *RedisIntentCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (c *RedisIntentCache) Close() error {
	return c.client.Close()
}
