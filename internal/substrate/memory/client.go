// Package memory implements the substrate capability inside the process.
// It backs embedded single-process deployments and the component tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/narwhalmedia/switchboard/internal/substrate"
)

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client is an in-process substrate.
type Client struct {
	mu  sync.Mutex
	now func() time.Time

	values  map[string][]byte
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	expires map[string]time.Time

	streams map[string]*stream
	changed chan struct{}

	subs    map[*subscription]struct{}
	locks   map[string]*lockEntry
	lockSeq int64
	closed  bool
}

type stream struct {
	entries []entry
	lastSeq int64
	groups  map[string]*group
}

type entry struct {
	seq int64
	msg substrate.StreamMessage
}

type group struct {
	lastDelivered int64
	pending       map[string]struct{}
}

var _ substrate.Client = (*Client)(nil)

// New creates an empty in-process substrate.
func New(opts ...Option) *Client {
	c := &Client{
		now:     time.Now,
		values:  make(map[string][]byte),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		expires: make(map[string]time.Time),
		streams: make(map[string]*stream),
		changed: make(chan struct{}),
		subs:    make(map[*subscription]struct{}),
		locks:   make(map[string]*lockEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping reports whether the client is open.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return substrate.ErrClosed
	}
	return ctx.Err()
}

// Close releases blocked readers and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.changed)
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (c *Client) check(ctx context.Context) error {
	if c.closed {
		return substrate.ErrClosed
	}
	return ctx.Err()
}

// expireLocked drops key if its TTL has passed. Callers hold c.mu.
func (c *Client) expireLocked(key string) {
	deadline, ok := c.expires[key]
	if !ok || c.now().Before(deadline) {
		return
	}
	c.delLocked(key)
}

func (c *Client) delLocked(key string) {
	delete(c.values, key)
	delete(c.hashes, key)
	delete(c.zsets, key)
	delete(c.sets, key)
	delete(c.expires, key)
	delete(c.streams, key)
}

func (c *Client) existsLocked(key string) bool {
	c.expireLocked(key)
	if _, ok := c.values[key]; ok {
		return true
	}
	if _, ok := c.hashes[key]; ok {
		return true
	}
	if _, ok := c.zsets[key]; ok {
		return true
	}
	if _, ok := c.sets[key]; ok {
		return true
	}
	_, ok := c.streams[key]
	return ok
}

// Streams

// Append adds an entry to a stream.
func (c *Client) Append(ctx context.Context, name string, values map[string]string, maxLen int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return "", err
	}

	s := c.streamLocked(name)
	s.lastSeq++
	id := fmt.Sprintf("%d-%d", c.now().UnixMilli(), s.lastSeq)

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, entry{
		seq: s.lastSeq,
		msg: substrate.StreamMessage{ID: id, Stream: name, Values: copied},
	})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = append([]entry(nil), s.entries[int64(len(s.entries))-maxLen:]...)
	}

	close(c.changed)
	c.changed = make(chan struct{})
	return id, nil
}

func (c *Client) streamLocked(name string) *stream {
	s, ok := c.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*group)}
		c.streams[name] = s
	}
	return s
}

// CreateGroup creates a consumer group positioned at the end of the stream.
func (c *Client) CreateGroup(ctx context.Context, name, groupName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.streamLocked(name)
	if _, ok := s.groups[groupName]; ok {
		return substrate.ErrGroupExists
	}
	s.groups[groupName] = &group{
		lastDelivered: s.lastSeq,
		pending:       make(map[string]struct{}),
	}
	return nil
}

// ReadGroup reads new entries for a group, blocking up to args.Block.
func (c *Client) ReadGroup(ctx context.Context, args substrate.ReadGroupArgs) ([]substrate.StreamMessage, error) {
	var timeout <-chan time.Time
	if args.Block > 0 {
		timer := time.NewTimer(args.Block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		c.mu.Lock()
		if err := c.check(ctx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		msgs, err := c.collectLocked(args)
		if err != nil || len(msgs) > 0 || args.Block <= 0 {
			c.mu.Unlock()
			return msgs, err
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) collectLocked(args substrate.ReadGroupArgs) ([]substrate.StreamMessage, error) {
	var out []substrate.StreamMessage
	for _, name := range args.Streams {
		s, ok := c.streams[name]
		if !ok {
			return nil, fmt.Errorf("memory: no such stream %q", name)
		}
		g, ok := s.groups[args.Group]
		if !ok {
			return nil, fmt.Errorf("memory: no such consumer group %q on %q", args.Group, name)
		}
		for _, e := range s.entries {
			if args.Count > 0 && int64(len(out)) >= args.Count {
				break
			}
			if e.seq <= g.lastDelivered {
				continue
			}
			g.lastDelivered = e.seq
			g.pending[e.msg.ID] = struct{}{}
			out = append(out, e.msg)
		}
	}
	return out, nil
}

// Ack removes entries from the group's pending list.
func (c *Client) Ack(ctx context.Context, name, groupName string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	s, ok := c.streams[name]
	if !ok {
		return nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (c *Client) Pending(name, groupName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[name]; ok {
		if g, ok := s.groups[groupName]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// Len returns the number of entries retained in a stream.
func (c *Client) Len(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[name]; ok {
		return len(s.entries)
	}
	return 0
}

// Key/value

// Get returns the value at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.expireLocked(key)
	v, ok := c.values[key]
	if !ok {
		return nil, substrate.ErrNil
	}
	return append([]byte(nil), v...), nil
}

// Set stores a value.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.setLocked(key, value, ttl)
	return nil
}

func (c *Client) setLocked(key string, value []byte, ttl time.Duration) {
	c.delLocked(key)
	c.values[key] = append([]byte(nil), value...)
	if ttl > 0 {
		c.expires[key] = c.now().Add(ttl)
	}
}

// Del removes keys of any type.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	for _, k := range keys {
		c.delLocked(k)
	}
	return nil
}

// Exists reports whether key holds a live value of any type.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return false, err
	}
	return c.existsLocked(key), nil
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.expireKeyLocked(key, ttl)
	return nil
}

func (c *Client) expireKeyLocked(key string, ttl time.Duration) {
	if !c.existsLocked(key) {
		return
	}
	if ttl <= 0 {
		c.delLocked(key)
		return
	}
	c.expires[key] = c.now().Add(ttl)
}

// HSet sets hash fields.
func (c *Client) HSet(ctx context.Context, key string, values map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.hsetLocked(key, values)
	return nil
}

func (c *Client) hsetLocked(key string, values map[string]string) {
	c.expireLocked(key)
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string, len(values))
		c.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
}

// HGetAll returns every field of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.expireLocked(key)
	out := make(map[string]string, len(c.hashes[key]))
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// ZAdd adds or updates sorted set members.
func (c *Client) ZAdd(ctx context.Context, key string, members ...substrate.Z) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.zaddLocked(key, members)
	return nil
}

func (c *Client) zaddLocked(key string, members []substrate.Z) {
	c.expireLocked(key)
	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64, len(members))
		c.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
}

// ZRangeByScore returns members by ascending score.
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]substrate.Z, error) {
	return c.zrange(ctx, key, min, max, offset, count, false)
}

// ZRevRangeByScore returns members by descending score.
func (c *Client) ZRevRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]substrate.Z, error) {
	return c.zrange(ctx, key, min, max, offset, count, true)
}

func (c *Client) zrange(ctx context.Context, key string, min, max float64, offset, count int64, reverse bool) ([]substrate.Z, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.expireLocked(key)

	var out []substrate.Z
	for member, score := range c.zsets[key] {
		if score >= min && score <= max {
			out = append(out, substrate.Z{Score: score, Member: member})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			if reverse {
				return out[i].Member > out[j].Member
			}
			return out[i].Member < out[j].Member
		}
		if reverse {
			return out[i].Score > out[j].Score
		}
		return out[i].Score < out[j].Score
	})

	if offset > 0 {
		if offset >= int64(len(out)) {
			return nil, nil
		}
		out = out[offset:]
	}
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

// ZRem removes sorted set members.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.zremLocked(key, members)
	return nil
}

func (c *Client) zremLocked(key string, members []string) {
	z, ok := c.zsets[key]
	if !ok {
		return
	}
	for _, m := range members {
		delete(z, m)
	}
	if len(z) == 0 {
		c.delLocked(key)
	}
}

// SAdd adds set members.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.saddLocked(key, members)
	return nil
}

func (c *Client) saddLocked(key string, members []string) {
	c.expireLocked(key)
	s, ok := c.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		c.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
}

// SRem removes set members.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.sremLocked(key, members)
	return nil
}

func (c *Client) sremLocked(key string, members []string) {
	s, ok := c.sets[key]
	if !ok {
		return
	}
	for _, m := range members {
		delete(s, m)
	}
	if len(s) == 0 {
		c.delLocked(key)
	}
}

// SMembers returns the members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.expireLocked(key)
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Keys returns live keys matching a glob pattern.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	candidates := make(map[string]struct{})
	for k := range c.values {
		candidates[k] = struct{}{}
	}
	for k := range c.hashes {
		candidates[k] = struct{}{}
	}
	for k := range c.zsets {
		candidates[k] = struct{}{}
	}
	for k := range c.sets {
		candidates[k] = struct{}{}
	}
	for k := range c.streams {
		candidates[k] = struct{}{}
	}

	var out []string
	for k := range candidates {
		if !c.existsLocked(k) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// TTL returns the remaining lifetime of a key, or -1 when it has none.
func (c *Client) TTL(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.expires[key]
	if !ok {
		return -1
	}
	return deadline.Sub(c.now())
}

// Batch starts a group of writes applied atomically by Exec.
func (c *Client) Batch() substrate.Batch {
	return &batch{c: c}
}

type batch struct {
	c   *Client
	ops []func()
}

func (b *batch) Set(key string, value []byte, ttl time.Duration) {
	b.ops = append(b.ops, func() { b.c.setLocked(key, value, ttl) })
}

func (b *batch) Del(keys ...string) {
	b.ops = append(b.ops, func() {
		for _, k := range keys {
			b.c.delLocked(k)
		}
	})
}

func (b *batch) Expire(key string, ttl time.Duration) {
	b.ops = append(b.ops, func() { b.c.expireKeyLocked(key, ttl) })
}

func (b *batch) HSet(key string, values map[string]string) {
	b.ops = append(b.ops, func() { b.c.hsetLocked(key, values) })
}

func (b *batch) ZAdd(key string, members ...substrate.Z) {
	b.ops = append(b.ops, func() { b.c.zaddLocked(key, members) })
}

func (b *batch) ZRem(key string, members ...string) {
	b.ops = append(b.ops, func() { b.c.zremLocked(key, members) })
}

func (b *batch) SAdd(key string, members ...string) {
	b.ops = append(b.ops, func() { b.c.saddLocked(key, members) })
}

func (b *batch) SRem(key string, members ...string) {
	b.ops = append(b.ops, func() { b.c.sremLocked(key, members) })
}

func (b *batch) Exec(ctx context.Context) error {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	if err := b.c.check(ctx); err != nil {
		return err
	}
	for _, op := range b.ops {
		op()
	}
	b.ops = nil
	return nil
}

// Locks

type lockEntry struct {
	token   string
	expires time.Time
}

type lock struct {
	c     *Client
	key   string
	token string
}

// Obtain takes a lock unless another holder still owns it.
func (c *Client) Obtain(ctx context.Context, key string, ttl time.Duration) (substrate.Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if held, ok := c.locks[key]; ok && c.now().Before(held.expires) {
		return nil, substrate.ErrLockNotObtained
	}
	c.lockSeq++
	token := strconv.FormatInt(c.lockSeq, 36)
	c.locks[key] = &lockEntry{token: token, expires: c.now().Add(ttl)}
	return &lock{c: c, key: key, token: token}, nil
}

func (l *lock) Release(ctx context.Context) error {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	if held, ok := l.c.locks[l.key]; ok && held.token == l.token {
		delete(l.c.locks, l.key)
	}
	return nil
}

var _ substrate.Locker = (*Client)(nil)
