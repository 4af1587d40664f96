package deduplication

import (
	"context"
	"testing"
	"time"

	rediskeys "github.com/7maylord/whisper/pkgs/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDedup(t *testing.T) (*Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d, err := NewDeduplicator(client, rediskeys.NewKeyBuilder("test", "c1"), 16, time.Minute)
	require.NoError(t, err)
	return d, mr
}

func TestCheckAndMark(t *testing.T) {
	d, mr := newDedup(t)
	ctx := context.Background()

	fresh, err := d.CheckAndMark(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.True(t, mr.Exists("test:discovery:seen:0xabc"))

	fresh, err = d.CheckAndMark(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestSharedAcrossInstances(t *testing.T) {
	d, mr := newDedup(t)
	ctx := context.Background()

	fresh, err := d.CheckAndMark(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, fresh)

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()
	second, err := NewDeduplicator(other, rediskeys.NewKeyBuilder("test", "c2"), 16, time.Minute)
	require.NoError(t, err)

	fresh, err = second.CheckAndMark(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestRedisTTL(t *testing.T) {
	d, mr := newDedup(t)
	ctx := context.Background()

	_, err := d.CheckAndMark(ctx, "0xdef")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("test:discovery:seen:0xdef"))

	// a restarted instance starts with an empty local cache
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	restarted, err := NewDeduplicator(client, rediskeys.NewKeyBuilder("test", "c1"), 16, time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	fresh, err := restarted.CheckAndMark(ctx, "0xdef")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	d, err := NewDeduplicator(client, nil, 16, time.Minute)
	require.NoError(t, err)

	_, err = d.CheckAndMark(context.Background(), "0x1")
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	d, _ := newDedup(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, err := d.CheckAndMark(ctx, k)
		require.NoError(t, err)
	}

	stats, err := d.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["total_dedup_keys"])
	assert.Equal(t, 3, stats["local_cache_size"])
}
