// Package substrate describes the durable log and key/value capability the
// coordination components are built on: append-only streams with consumer
// groups, fire-and-forget pub/sub channels, and a key/value store with
// expiry, hashes, sorted sets and sets.
//
// Implementations live in sub-packages: redis for production and memory for
// embedded use and tests. Keys, streams and channels passed to a Client are
// logical names; implementations apply their own key prefix.
package substrate

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNil is returned when a key does not exist.
	ErrNil = errors.New("substrate: nil")
	// ErrGroupExists is returned by CreateGroup when the group is already present.
	ErrGroupExists = errors.New("substrate: consumer group already exists")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("substrate: client closed")
	// ErrLockNotObtained is returned when a lock is held by someone else.
	ErrLockNotObtained = errors.New("substrate: lock not obtained")
)

// StreamMessage is an entry read from a stream.
type StreamMessage struct {
	ID     string
	Stream string
	Values map[string]string
}

// ReadGroupArgs describes a grouped, blocking, batched read.
type ReadGroupArgs struct {
	Group    string
	Consumer string
	Streams  []string
	Count    int64
	// Block is the longest the read waits for new entries. Zero means do not block.
	Block time.Duration
}

// Message is a pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an open pub/sub subscription.
type Subscription interface {
	// Channel delivers messages until the subscription is closed.
	Channel() <-chan Message
	// Subscribe adds channels to the subscription.
	Subscribe(ctx context.Context, channels ...string) error
	// Unsubscribe removes channels from the subscription.
	Unsubscribe(ctx context.Context, channels ...string) error
	// Close ends the subscription and closes Channel.
	Close() error
}

// Z is a sorted set member.
type Z struct {
	Score  float64
	Member string
}

// Streams is the append-only log capability.
type Streams interface {
	// Append adds an entry, trimming the stream to roughly maxLen entries when maxLen > 0.
	Append(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)
	// CreateGroup creates a consumer group reading new entries, creating the stream if needed.
	CreateGroup(ctx context.Context, stream, group string) error
	// ReadGroup reads undelivered entries for the group. An empty result means the block timed out.
	ReadGroup(ctx context.Context, args ReadGroupArgs) ([]StreamMessage, error)
	// Ack acknowledges entries in the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// PubSub is the best-effort real-time channel capability.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// KeyValue is the key/value capability.
type KeyValue interface {
	// Get returns ErrNil when the key is missing or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. A zero ttl keeps the key forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key string, values map[string]string) error
	// HGetAll returns an empty map when the key is missing.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	ZAdd(ctx context.Context, key string, members ...Z) error
	// ZRangeByScore returns members with min <= score <= max in ascending order.
	// A count of zero or less means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]Z, error)
	// ZRevRangeByScore is ZRangeByScore in descending order.
	ZRevRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]Z, error)
	ZRem(ctx context.Context, key string, members ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Keys returns logical keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Batch starts a group of writes applied together by Exec.
	Batch() Batch
}

// Batch queues writes and applies them in one round trip.
type Batch interface {
	Set(key string, value []byte, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, values map[string]string)
	ZAdd(key string, members ...Z)
	ZRem(key string, members ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Exec(ctx context.Context) error
}

// Client is the full substrate capability.
type Client interface {
	Streams
	PubSub
	KeyValue
	Ping(ctx context.Context) error
	Close() error
}

// Lock is a held distributed lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out short-lived distributed locks.
type Locker interface {
	// Obtain returns ErrLockNotObtained when the lock is held elsewhere.
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}
