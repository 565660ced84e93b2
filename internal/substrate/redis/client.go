// Package redis implements the substrate capability on Redis streams,
// pub/sub and key space.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/substrate"
)

// Client wraps a Redis connection pool and applies the key prefix.
type Client struct {
	rdb    *redis.Client
	locker *redislock.Client
	prefix string
	logger *zap.Logger
}

var (
	_ substrate.Client = (*Client)(nil)
	_ substrate.Locker = (*Client)(nil)
)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.SubstrateConfig, logger *zap.Logger) (*Client, func(), error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}

	c := Wrap(rdb, cfg.KeyPrefix, logger)

	cleanup := func() {
		if err := c.Close(); err != nil {
			logger.Error("failed to close redis connection", zap.Error(err))
		}
	}

	logger.Info("redis substrate initialized",
		zap.String("addr", cfg.Addr()),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", cfg.KeyPrefix),
	)

	return c, cleanup, nil
}

// Wrap adapts an existing go-redis client.
func Wrap(rdb *redis.Client, prefix string, logger *zap.Logger) *Client {
	return &Client{
		rdb:    rdb,
		locker: redislock.New(rdb),
		prefix: prefix,
		logger: logger.Named("redis"),
	}
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = c.key(k)
	}
	return out
}

func (c *Client) unkey(k string) string {
	return strings.TrimPrefix(k, c.prefix)
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return mapErr(c.rdb.Ping(ctx).Err())
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return substrate.ErrNil
	case errors.Is(err, redis.ErrClosed):
		return substrate.ErrClosed
	}
	return err
}

// Streams

// Append adds an entry with approximate MAXLEN trimming.
func (c *Client) Append(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: c.key(stream),
		Values: toInterfaceMap(values),
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	return id, mapErr(err)
}

// CreateGroup runs XGROUP CREATE ... $ MKSTREAM.
func (c *Client) CreateGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.key(stream), group, "$").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return substrate.ErrGroupExists
	}
	return mapErr(err)
}

// ReadGroup reads new entries with XREADGROUP ... BLOCK.
func (c *Client) ReadGroup(ctx context.Context, args substrate.ReadGroupArgs) ([]substrate.StreamMessage, error) {
	streams := make([]string, 0, len(args.Streams)*2)
	for _, s := range args.Streams {
		streams = append(streams, c.key(s))
	}
	for range args.Streams {
		streams = append(streams, ">")
	}

	block := args.Block
	if block <= 0 {
		// go-redis omits BLOCK for negative durations
		block = -1
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  streams,
		Count:    args.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}

	var out []substrate.StreamMessage
	for _, xs := range res {
		for _, msg := range xs.Messages {
			out = append(out, substrate.StreamMessage{
				ID:     msg.ID,
				Stream: c.unkey(xs.Stream),
				Values: toStringMap(msg.Values),
			})
		}
	}
	return out, nil
}

// Ack runs XACK.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return mapErr(c.rdb.XAck(ctx, c.key(stream), group, ids...).Err())
}

// Key/value

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	return b, mapErr(err)
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return mapErr(c.rdb.Set(ctx, c.key(key), value, ttl).Err())
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return mapErr(c.rdb.Del(ctx, c.keys(keys)...).Err())
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	return n > 0, mapErr(err)
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return mapErr(c.rdb.Expire(ctx, c.key(key), ttl).Err())
}

func (c *Client) HSet(ctx context.Context, key string, values map[string]string) error {
	return mapErr(c.rdb.HSet(ctx, c.key(key), toInterfaceMap(values)).Err())
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return m, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, members ...substrate.Z) error {
	return mapErr(c.rdb.ZAdd(ctx, c.key(key), toRedisZ(members)...).Err())
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]substrate.Z, error) {
	res, err := c.rdb.ZRangeByScoreWithScores(ctx, c.key(key), zRange(min, max, offset, count)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return fromRedisZ(res), nil
}

func (c *Client) ZRevRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]substrate.Z, error) {
	res, err := c.rdb.ZRevRangeByScoreWithScores(ctx, c.key(key), zRange(min, max, offset, count)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return fromRedisZ(res), nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	return mapErr(c.rdb.ZRem(ctx, c.key(key), toInterfaces(members)...).Err())
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	return mapErr(c.rdb.SAdd(ctx, c.key(key), toInterfaces(members)...).Err())
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	return mapErr(c.rdb.SRem(ctx, c.key(key), toInterfaces(members)...).Err())
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := c.rdb.SMembers(ctx, c.key(key)).Result()
	return m, mapErr(err)
}

// Keys walks the key space with SCAN rather than KEYS.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.key(pattern), 500).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		for _, k := range keys {
			out = append(out, c.unkey(k))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Batch queues writes in a MULTI/EXEC pipeline.
func (c *Client) Batch() substrate.Batch {
	return &batch{c: c, pipe: c.rdb.TxPipeline()}
}

type batch struct {
	c    *Client
	pipe redis.Pipeliner
}

// Queued commands carry a background context; Exec carries the caller's.
func (b *batch) qctx() context.Context {
	return context.Background()
}

func (b *batch) Set(key string, value []byte, ttl time.Duration) {
	b.pipe.Set(b.qctx(), b.c.key(key), value, ttl)
}

func (b *batch) Del(keys ...string) {
	if len(keys) > 0 {
		b.pipe.Del(b.qctx(), b.c.keys(keys)...)
	}
}

func (b *batch) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(b.qctx(), b.c.key(key), ttl)
}

func (b *batch) HSet(key string, values map[string]string) {
	b.pipe.HSet(b.qctx(), b.c.key(key), toInterfaceMap(values))
}

func (b *batch) ZAdd(key string, members ...substrate.Z) {
	b.pipe.ZAdd(b.qctx(), b.c.key(key), toRedisZ(members)...)
}

func (b *batch) ZRem(key string, members ...string) {
	b.pipe.ZRem(b.qctx(), b.c.key(key), toInterfaces(members)...)
}

func (b *batch) SAdd(key string, members ...string) {
	b.pipe.SAdd(b.qctx(), b.c.key(key), toInterfaces(members)...)
}

func (b *batch) SRem(key string, members ...string) {
	b.pipe.SRem(b.qctx(), b.c.key(key), toInterfaces(members)...)
}

func (b *batch) Exec(ctx context.Context) error {
	_, err := b.pipe.Exec(ctx)
	return mapErr(err)
}

// Locks

// Obtain takes a redislock lock on the prefixed key.
func (c *Client) Obtain(ctx context.Context, key string, ttl time.Duration) (substrate.Lock, error) {
	l, err := c.locker.Obtain(ctx, c.key(key), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, substrate.ErrLockNotObtained
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &lock{l: l}, nil
}

type lock struct {
	l *redislock.Lock
}

func (l *lock) Release(ctx context.Context) error {
	err := l.l.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toStringMap(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case []byte:
			out[k] = string(t)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toRedisZ(members []substrate.Z) []redis.Z {
	out := make([]redis.Z, len(members))
	for i, m := range members {
		out[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return out
}

func fromRedisZ(zs []redis.Z) []substrate.Z {
	out := make([]substrate.Z, 0, len(zs))
	for _, z := range zs {
		out = append(out, substrate.Z{Score: z.Score, Member: fmt.Sprint(z.Member)})
	}
	return out
}

func zRange(min, max float64, offset, count int64) *redis.ZRangeBy {
	if count <= 0 && offset > 0 {
		// LIMIT offset 0 would return nothing
		count = -1
	}
	return &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: offset,
		Count:  count,
	}
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
