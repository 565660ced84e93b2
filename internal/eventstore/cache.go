package eventstore

import (
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
)

const (
	defaultCacheSize      = 1000
	defaultCacheMaxEvents = 100
)

type cacheEntry struct {
	streamID string // empty for cross-stream queries
	events   []events.RecordedEvent
}

// queryCache holds small query results. Entries for a stream, and every
// cross-stream entry, are dropped when the stream changes.
//
// Every invalidation bumps a generation. A reader takes the generation before
// touching the substrate and put refuses the result if it moved meanwhile, so
// a page read before a committed append is never cached after it.
type queryCache struct {
	entries   *lru.Cache[string, cacheEntry]
	maxEvents int

	mu      sync.Mutex
	global  uint64
	streams map[string]uint64
}

func newQueryCache(size, maxEvents int) *queryCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if maxEvents <= 0 {
		maxEvents = defaultCacheMaxEvents
	}
	entries, _ := lru.New[string, cacheEntry](size)
	return &queryCache{entries: entries, maxEvents: maxEvents, streams: make(map[string]uint64)}
}

// generation returns the token put must be given for q.
func (c *queryCache) generation(q Query) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.StreamID == "" {
		return c.global
	}
	return c.streams[q.StreamID]
}

func (c *queryCache) get(q Query) ([]events.RecordedEvent, bool) {
	e, ok := c.entries.Get(q.cacheKey())
	if !ok {
		return nil, false
	}
	return append([]events.RecordedEvent(nil), e.events...), true
}

func (c *queryCache) put(q Query, gen uint64, evts []events.RecordedEvent) {
	if len(evts) > c.maxEvents {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.global
	if q.StreamID != "" {
		current = c.streams[q.StreamID]
	}
	if current != gen {
		return
	}
	c.entries.Add(q.cacheKey(), cacheEntry{
		streamID: q.StreamID,
		events:   append([]events.RecordedEvent(nil), evts...),
	})
}

func (c *queryCache) invalidate(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global++
	c.streams[streamID]++
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if e.streamID == "" || e.streamID == streamID {
			c.entries.Remove(key)
		}
	}
}

func (c *queryCache) len() int {
	return c.entries.Len()
}

func (q Query) cacheKey() string {
	var b strings.Builder
	b.WriteString(q.StreamID)
	b.WriteByte('|')
	b.WriteString(q.AggregateType)
	b.WriteByte('|')
	b.WriteString(strings.Join(q.EventTypes, ","))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(q.FromVersion, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(q.ToVersion, 10))
	b.WriteByte('|')
	if !q.From.IsZero() {
		b.WriteString(strconv.FormatInt(q.From.UnixNano(), 10))
	}
	b.WriteByte('|')
	if !q.To.IsZero() {
		b.WriteString(strconv.FormatInt(q.To.UnixNano(), 10))
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(q.Offset))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(q.Limit))
	return b.String()
}
