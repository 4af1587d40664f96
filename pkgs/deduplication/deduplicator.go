package deduplication

import (
	"context"
	"fmt"
	"time"

	rediskeys "github.com/7maylord/whisper/pkgs/redis"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultTTL is how long a discovery message is remembered in Redis
const DefaultTTL = 10 * time.Minute

// Deduplicator provides two-layer deduplication for discovery messages
type Deduplicator struct {
	redis      *redis.Client
	localCache *lru.Cache[string, bool]
	ttl        time.Duration
	keys       *rediskeys.KeyBuilder
}

// NewDeduplicator creates a new deduplicator with local LRU cache and Redis backend
func NewDeduplicator(redisClient *redis.Client, keys *rediskeys.KeyBuilder, localCacheSize int, ttl time.Duration) (*Deduplicator, error) {
	cache, err := lru.New[string, bool](localCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if keys == nil {
		keys = rediskeys.NewKeyBuilder(rediskeys.DefaultNamespace, "")
	}

	return &Deduplicator{
		redis:      redisClient,
		localCache: cache,
		ttl:        ttl,
		keys:       keys,
	}, nil
}

// CheckAndMark checks if a message was seen and marks it if not.
// Returns true if this is the first sighting.
func (d *Deduplicator) CheckAndMark(ctx context.Context, key string) (bool, error) {
	if d.localCache.Contains(key) {
		log.Debugf("Dedup hit (local cache): %s", key)
		return false, nil
	}

	// SetNX only sets if key doesn't exist, returns false if it exists
	ok, err := d.redis.SetNX(ctx, d.keys.DiscoverySeen(key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}

	d.localCache.Add(key, true)
	if ok {
		log.Debugf("Dedup miss (new message): %s", key)
		return true, nil
	}

	log.Debugf("Dedup hit (redis): %s", key)
	return false, nil
}

// GetStats counts remembered keys without blocking Redis
func (d *Deduplicator) GetStats(ctx context.Context) (map[string]interface{}, error) {
	var cursor uint64
	var totalKeys int64

	for {
		keys, nextCursor, err := d.redis.Scan(ctx, cursor, d.keys.DiscoverySeenPattern(), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan dedup keys: %w", err)
		}

		totalKeys += int64(len(keys))
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return map[string]interface{}{
		"total_dedup_keys": totalKeys,
		"local_cache_size": d.localCache.Len(),
		"ttl_seconds":      d.ttl.Seconds(),
	}, nil
}
