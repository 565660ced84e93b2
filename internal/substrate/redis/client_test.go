package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/internal/substrate/redis"
)

// newTestClient connects to REDIS_ADDR (default localhost:6379) and skips
// the test when no server answers.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()

	cfg := config.GetDefaults().Substrate
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		var port int
		if _, err := fmt.Sscanf(addr, "localhost:%d", &port); err == nil {
			cfg.Port = port
		}
	}
	cfg.KeyPrefix = "switchboard-test:" + uuid.NewString()[:8] + ":"
	cfg.DialTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, cleanup, err := redis.NewClient(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(cleanup)
	return client
}

func TestRedis_StreamsAndGroups(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.CreateGroup(ctx, "events:order.created", "svc"))
	assert.ErrorIs(t, c.CreateGroup(ctx, "events:order.created", "svc"), substrate.ErrGroupExists)

	id, err := c.Append(ctx, "events:order.created", map[string]string{"envelope": "{}"}, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := c.ReadGroup(ctx, substrate.ReadGroupArgs{
		Group:    "svc",
		Consumer: "c1",
		Streams:  []string{"events:order.created"},
		Count:    10,
		Block:    100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "events:order.created", msgs[0].Stream)
	assert.Equal(t, "{}", msgs[0].Values["envelope"])
	require.NoError(t, c.Ack(ctx, "events:order.created", "svc", msgs[0].ID))

	msgs, err = c.ReadGroup(ctx, substrate.ReadGroupArgs{
		Group:   "svc",
		Streams: []string{"events:order.created"},
		Block:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, c.Del(ctx, "events:order.created"))
}

func TestRedis_KeyValue(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = c.Del(ctx, "k", "h", "z", "s") })

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, substrate.ErrNil)

	b := c.Batch()
	b.Set("k", []byte("v"), time.Minute)
	b.HSet("h", map[string]string{"version": "3"})
	b.ZAdd("z", substrate.Z{Score: 1, Member: "a"}, substrate.Z{Score: 2, Member: "b"})
	b.SAdd("s", "x", "y")
	require.NoError(t, b.Exec(ctx))

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	h, err := c.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "3", h["version"])

	zs, err := c.ZRevRangeByScore(ctx, "z", 0, 10, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []substrate.Z{{Score: 2, Member: "b"}}, zs)

	members, err := c.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	keys, err := c.Keys(ctx, "*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k", "h", "z", "s"}, keys)
}

func TestRedis_PubSubAndLock(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "registry:events")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, "registry:events", []byte("ping")))
	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "registry:events", msg.Channel)
		assert.Equal(t, []byte("ping"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub delivery")
	}

	l, err := c.Obtain(ctx, "registry:cleanup", time.Second)
	require.NoError(t, err)
	_, err = c.Obtain(ctx, "registry:cleanup", time.Second)
	assert.ErrorIs(t, err, substrate.ErrLockNotObtained)
	require.NoError(t, l.Release(ctx))
}
