package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/internal/substrate/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestStreams_GroupDelivery(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()

	require.NoError(t, c.CreateGroup(ctx, "events", "svc"))
	assert.ErrorIs(t, c.CreateGroup(ctx, "events", "svc"), substrate.ErrGroupExists)

	for i := 0; i < 3; i++ {
		_, err := c.Append(ctx, "events", map[string]string{"n": string(rune('a' + i))}, 0)
		require.NoError(t, err)
	}

	msgs, err := c.ReadGroup(ctx, substrate.ReadGroupArgs{Group: "svc", Consumer: "c1", Streams: []string{"events"}, Count: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Values["n"])
	assert.Equal(t, "events", msgs[0].Stream)
	assert.Equal(t, 2, c.Pending("events", "svc"))

	msgs2, err := c.ReadGroup(ctx, substrate.ReadGroupArgs{Group: "svc", Consumer: "c1", Streams: []string{"events"}, Count: 10})
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
	assert.Equal(t, "c", msgs2[0].Values["n"])

	require.NoError(t, c.Ack(ctx, "events", "svc", msgs[0].ID, msgs[1].ID, msgs2[0].ID))
	assert.Zero(t, c.Pending("events", "svc"))
}

func TestStreams_GroupStartsAtEnd(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()

	_, err := c.Append(ctx, "events", map[string]string{"n": "old"}, 0)
	require.NoError(t, err)
	require.NoError(t, c.CreateGroup(ctx, "events", "late"))

	msgs, err := c.ReadGroup(ctx, substrate.ReadGroupArgs{Group: "late", Streams: []string{"events"}, Count: 10})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStreams_BlockingRead(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()
	require.NoError(t, c.CreateGroup(ctx, "events", "svc"))

	start := time.Now()
	msgs, err := c.ReadGroup(ctx, substrate.ReadGroupArgs{Group: "svc", Streams: []string{"events"}, Count: 1, Block: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Append(ctx, "events", map[string]string{"n": "late"}, 0)
	}()
	msgs, err = c.ReadGroup(ctx, substrate.ReadGroupArgs{Group: "svc", Streams: []string{"events"}, Count: 1, Block: time.Second})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", msgs[0].Values["n"])
}

func TestStreams_CloseWakesReaders(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	require.NoError(t, c.CreateGroup(ctx, "events", "svc"))

	done := make(chan error, 1)
	go func() {
		_, err := c.ReadGroup(ctx, substrate.ReadGroupArgs{Group: "svc", Streams: []string{"events"}, Block: 5 * time.Second})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, substrate.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not released by Close")
	}
}

func TestStreams_Trim(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()

	for i := 0; i < 10; i++ {
		_, err := c.Append(ctx, "events", map[string]string{"i": "x"}, 4)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, c.Len("events"))
}

func TestKeyValue_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := memory.New(memory.WithClock(clock.Now))
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.SAdd(ctx, "s", "a"))
	require.NoError(t, c.Expire(ctx, "s", 30*time.Second))

	clock.Advance(45 * time.Second)
	ok, err := c.Exists(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, substrate.ErrNil)
}

func TestKeyValue_SortedSets(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()

	require.NoError(t, c.ZAdd(ctx, "z", substrate.Z{Score: 3, Member: "c"}, substrate.Z{Score: 1, Member: "a"}, substrate.Z{Score: 2, Member: "b"}))

	asc, err := c.ZRangeByScore(ctx, "z", 1, 3, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []substrate.Z{{Score: 2, Member: "b"}}, asc)

	desc, err := c.ZRevRangeByScore(ctx, "z", 0, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []substrate.Z{{Score: 2, Member: "b"}, {Score: 1, Member: "a"}}, desc)

	require.NoError(t, c.ZRem(ctx, "z", "a", "b", "c"))
	ok, err := c.Exists(ctx, "z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyValue_HashesAndKeys(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()

	require.NoError(t, c.HSet(ctx, "stream:order:1", map[string]string{"version": "1"}))
	require.NoError(t, c.HSet(ctx, "stream:order:1", map[string]string{"eventCount": "1"}))
	h, err := c.HGetAll(ctx, "stream:order:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"version": "1", "eventCount": "1"}, h)

	empty, err := c.HGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, c.Set(ctx, "service:a", []byte("{}"), 0))
	require.NoError(t, c.Set(ctx, "service:b", []byte("{}"), 0))
	keys, err := c.Keys(ctx, "service:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"service:a", "service:b"}, keys)
}

func TestBatch_AppliesTogether(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()

	b := c.Batch()
	b.Set("a", []byte("1"), 0)
	b.SAdd("idx", "a")
	b.ZAdd("order", substrate.Z{Score: 1, Member: "a"})
	b.HSet("meta", map[string]string{"k": "v"})

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "queued writes are not visible before Exec")

	require.NoError(t, b.Exec(ctx))
	members, err := c.SMembers(ctx, "idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	b2 := c.Batch()
	b2.Del("a")
	b2.SRem("idx", "a")
	require.NoError(t, b2.Exec(ctx))
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, substrate.ErrNil)
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	defer c.Close()

	sub, err := c.Subscribe(ctx, "events:order")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, "events:other", []byte("skip")))
	require.NoError(t, c.Publish(ctx, "events:order", []byte("hello")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "events:order", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, sub.Unsubscribe(ctx, "events:order"))
	require.NoError(t, c.Publish(ctx, "events:order", []byte("after")))
	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected delivery %q", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := memory.New(memory.WithClock(clock.Now))
	defer c.Close()

	l, err := c.Obtain(ctx, "registry:cleanup", time.Minute)
	require.NoError(t, err)

	_, err = c.Obtain(ctx, "registry:cleanup", time.Minute)
	assert.ErrorIs(t, err, substrate.ErrLockNotObtained)

	clock.Advance(2 * time.Minute)
	l2, err := c.Obtain(ctx, "registry:cleanup", time.Minute)
	require.NoError(t, err)

	// The expired holder must not release the new holder's lock.
	require.NoError(t, l.Release(ctx))
	_, err = c.Obtain(ctx, "registry:cleanup", time.Minute)
	assert.ErrorIs(t, err, substrate.ErrLockNotObtained)

	require.NoError(t, l2.Release(ctx))
	_, err = c.Obtain(ctx, "registry:cleanup", time.Minute)
	assert.NoError(t, err)
}

func TestClosedClient(t *testing.T) {
	c := memory.New()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Ping(context.Background()), substrate.ErrClosed)
	_, err := c.Append(context.Background(), "s", nil, 0)
	assert.ErrorIs(t, err, substrate.ErrClosed)
}
