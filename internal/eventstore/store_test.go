package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/internal/substrate/memory"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
	"github.com/narwhalmedia/switchboard/pkg/signal"
)

type StoreTestSuite struct {
	suite.Suite
	ctx    context.Context
	kv     *memory.Client
	store  *Store
	base   time.Time
	signal struct {
		mu  sync.Mutex
		got []signal.Signal
	}
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.kv = memory.New()
	s.base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	cfg := config.GetDefaults().EventStore
	cfg.SnapshotFrequency = 3
	s.store = New(s.kv, cfg, zaptest.NewLogger(s.T()), WithLocker(s.kv))

	s.signal.got = nil
	s.store.Signals().On(func(sig signal.Signal) {
		s.signal.mu.Lock()
		s.signal.got = append(s.signal.got, sig)
		s.signal.mu.Unlock()
	})
}

func (s *StoreTestSuite) TearDownTest() {
	s.store.Close()
	_ = s.kv.Close()
}

// signals waits until exactly want signals of kind were delivered.
func (s *StoreTestSuite) signals(kind signal.Kind, want int) []signal.Signal {
	var out []signal.Signal
	s.Eventually(func() bool {
		s.signal.mu.Lock()
		defer s.signal.mu.Unlock()
		out = out[:0]
		for _, sig := range s.signal.got {
			if sig.Kind == kind {
				out = append(out, sig)
			}
		}
		return len(out) == want
	}, time.Second, 5*time.Millisecond)
	return out
}

// event builds an event whose timestamp is offset minutes after the suite base.
func (s *StoreTestSuite) event(eventType string, offset int, payload map[string]interface{}) events.BaseEvent {
	e := events.NewBaseEvent(eventType, "cart-service", payload)
	e.Timestamp = s.base.Add(time.Duration(offset) * time.Minute)
	return e
}

func (s *StoreTestSuite) TestAppend_OptimisticConcurrency() {
	v, err := s.store.AppendEvents(s.ctx, "cart:42", []events.BaseEvent{s.event("item.added", 0, nil)}, AnyVersion)
	s.Require().NoError(err)
	s.Equal(int64(1), v)

	v, err = s.store.AppendEvents(s.ctx, "cart:42", []events.BaseEvent{s.event("item.added", 1, nil)}, 0)
	s.Require().Error(err, "stale expected version")
	s.True(apperrors.IsConflict(err))
	s.True(errors.Is(err, ErrConcurrencyConflict))
	s.Zero(v)

	v, err = s.store.AppendEvents(s.ctx, "cart:42", []events.BaseEvent{s.event("item.added", 1, nil)}, 1)
	s.Require().NoError(err)
	s.Equal(int64(2), v)

	_, err = s.store.AppendEvents(s.ctx, "cart:42", []events.BaseEvent{s.event("item.added", 2, nil)}, 0)
	s.True(errors.Is(err, ErrConcurrencyConflict))
}

func (s *StoreTestSuite) TestAppend_FirstAppendWithZeroExpected() {
	v, err := s.store.AppendEvents(s.ctx, "cart:1", []events.BaseEvent{s.event("cart.created", 0, nil)}, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), v)
}

func (s *StoreTestSuite) TestAppend_VersionMonotonicity() {
	var expected int64
	for i, n := range []int{1, 3, 2, 5, 1} {
		batch := make([]events.BaseEvent, n)
		for j := range batch {
			batch[j] = s.event("item.added", i*10+j, nil)
		}
		v, err := s.store.AppendEvents(s.ctx, "cart:7", batch, expected)
		s.Require().NoError(err)
		s.Equal(expected+int64(n), v)
		expected = v
	}

	stream, err := s.store.GetStream(s.ctx, "cart:7")
	s.Require().NoError(err)
	s.Equal(expected, stream.Version)
	s.Equal(expected, stream.EventCount)
	s.Equal("cart", stream.AggregateType)
	s.Equal("7", stream.AggregateID)
	s.False(stream.CreatedAt.IsZero())

	all, err := s.store.GetEvents(s.ctx, Query{StreamID: "cart:7"})
	s.Require().NoError(err)
	s.Require().Len(all, int(expected))
	for i, e := range all {
		s.Equal(int64(i+1), e.StreamVersion, "versions are dense")
		s.Equal("cart:7", e.StreamID)
	}
}

func (s *StoreTestSuite) TestAppend_ConflictWritesNothing() {
	_, err := s.store.AppendEvents(s.ctx, "cart:9", []events.BaseEvent{s.event("a", 0, nil), s.event("b", 1, nil)}, AnyVersion)
	s.Require().NoError(err)
	before, err := s.kv.Keys(s.ctx, "*")
	s.Require().NoError(err)

	_, err = s.store.AppendEvents(s.ctx, "cart:9", []events.BaseEvent{s.event("c", 2, nil)}, 1)
	s.Require().Error(err)

	after, err := s.kv.Keys(s.ctx, "*")
	s.Require().NoError(err)
	s.ElementsMatch(before, after)

	stream, err := s.store.GetStream(s.ctx, "cart:9")
	s.Require().NoError(err)
	s.Equal(int64(2), stream.Version)
}

func (s *StoreTestSuite) TestAppend_Validation() {
	_, err := s.store.AppendEvents(s.ctx, "", []events.BaseEvent{s.event("a", 0, nil)}, AnyVersion)
	s.True(apperrors.IsValidation(err))

	_, err = s.store.AppendEvents(s.ctx, "cart:1", nil, AnyVersion)
	s.True(apperrors.IsValidation(err))

	bad := s.event("a", 0, nil)
	bad.Type = ""
	_, err = s.store.AppendEvents(s.ctx, "cart:1", []events.BaseEvent{s.event("a", 0, nil), bad}, AnyVersion)
	s.True(apperrors.IsValidation(err))

	stream, err := s.store.GetStream(s.ctx, "cart:1")
	s.Require().NoError(err)
	s.Nil(stream, "invalid batch is rejected before any write")
}

func (s *StoreTestSuite) TestAppend_ConcurrentWritersOneWins() {
	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.AppendEvents(s.ctx, "cart:race", []events.BaseEvent{s.event("item.added", i, nil)}, 0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, ErrConcurrencyConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	s.Equal(1, succeeded)
	s.Equal(writers-1, conflicts)
}

func (s *StoreTestSuite) TestAppend_SnapshotNeededSignal() {
	_, err := s.store.AppendEvents(s.ctx, "cart:5", []events.BaseEvent{s.event("a", 0, nil), s.event("a", 1, nil)}, AnyVersion)
	s.Require().NoError(err)
	_, err = s.store.AppendEvents(s.ctx, "cart:5", []events.BaseEvent{s.event("a", 2, nil)}, AnyVersion)
	s.Require().NoError(err)

	needed := s.signals(SignalSnapshotNeeded, 1)
	s.Require().Len(needed, 1)
	s.Equal(SnapshotNeeded{StreamID: "cart:5", Version: 3}, needed[0].Payload)

	s.Len(s.signals(SignalAppended, 2), 2)
}

func (s *StoreTestSuite) TestGetEvents_SingleStreamRanges() {
	batch := make([]events.BaseEvent, 6)
	for i := range batch {
		batch[i] = s.event("item.added", i, map[string]interface{}{"n": i + 1})
	}
	_, err := s.store.AppendEvents(s.ctx, "cart:3", batch, AnyVersion)
	s.Require().NoError(err)

	got, err := s.store.GetEvents(s.ctx, Query{StreamID: "cart:3", FromVersion: 2, ToVersion: 4})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(int64(3), got[0].StreamVersion)
	s.Equal(int64(4), got[1].StreamVersion)

	got, err = s.store.GetEvents(s.ctx, Query{StreamID: "cart:3", Offset: 1, Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(int64(2), got[0].StreamVersion)

	got, err = s.store.GetEvents(s.ctx, Query{StreamID: "cart:3", Offset: 10})
	s.Require().NoError(err)
	s.Empty(got)

	got, err = s.store.GetEvents(s.ctx, Query{StreamID: "missing:1"})
	s.Require().NoError(err)
	s.Empty(got)

	_, err = s.store.GetEvents(s.ctx, Query{StreamID: "cart:3", Limit: -1})
	s.True(apperrors.IsValidation(err))
}

func (s *StoreTestSuite) TestGetEvents_CrossStream() {
	_, err := s.store.AppendEvents(s.ctx, "cart:1", []events.BaseEvent{
		s.event("item.added", 5, nil),
		s.event("cart.checked_out", 9, nil),
	}, AnyVersion)
	s.Require().NoError(err)
	_, err = s.store.AppendEvents(s.ctx, "cart:2", []events.BaseEvent{s.event("item.added", 1, nil)}, AnyVersion)
	s.Require().NoError(err)
	_, err = s.store.AppendEvents(s.ctx, "order:1", []events.BaseEvent{s.event("order.placed", 3, nil)}, AnyVersion)
	s.Require().NoError(err)

	got, err := s.store.GetEvents(s.ctx, Query{})
	s.Require().NoError(err)
	s.Require().Len(got, 4)
	for i := 1; i < len(got); i++ {
		s.False(got[i].Timestamp.Before(got[i-1].Timestamp), "sorted by timestamp")
	}
	s.Equal("cart:2", got[0].StreamID)

	got, err = s.store.GetEvents(s.ctx, Query{AggregateType: "cart"})
	s.Require().NoError(err)
	s.Len(got, 3)

	got, err = s.store.GetEvents(s.ctx, Query{EventTypes: []string{"item.added"}})
	s.Require().NoError(err)
	s.Len(got, 2)

	got, err = s.store.GetEvents(s.ctx, Query{
		From: s.base.Add(2 * time.Minute),
		To:   s.base.Add(6 * time.Minute),
	})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("order.placed", got[0].Type)
	s.Equal("item.added", got[1].Type)

	got, err = s.store.GetEvents(s.ctx, Query{Limit: 1, Offset: 3})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("cart.checked_out", got[0].Type)
}

func (s *StoreTestSuite) TestGetEvents_CacheInvalidatedOnAppend() {
	_, err := s.store.AppendEvents(s.ctx, "cart:c", []events.BaseEvent{s.event("a", 0, nil)}, AnyVersion)
	s.Require().NoError(err)

	got, err := s.store.GetEvents(s.ctx, Query{StreamID: "cart:c"})
	s.Require().NoError(err)
	s.Len(got, 1)
	all, err := s.store.GetEvents(s.ctx, Query{})
	s.Require().NoError(err)
	s.Len(all, 1)
	s.Equal(2, s.store.cache.len())

	_, err = s.store.AppendEvents(s.ctx, "cart:c", []events.BaseEvent{s.event("b", 1, nil)}, 1)
	s.Require().NoError(err)
	s.Zero(s.store.cache.len())

	got, err = s.store.GetEvents(s.ctx, Query{StreamID: "cart:c"})
	s.Require().NoError(err)
	s.Len(got, 2, "read after write")
}

func (s *StoreTestSuite) TestGetEvents_ExpiredEventsSkipped() {
	clock := s.base
	kv := memory.New(memory.WithClock(func() time.Time { return clock }))
	cfg := config.GetDefaults().EventStore
	cfg.EventTTL = time.Hour
	store := New(kv, cfg, zaptest.NewLogger(s.T()), WithClock(func() time.Time { return clock }))
	defer store.Close()

	_, err := store.AppendEvents(s.ctx, "cart:old", []events.BaseEvent{s.event("a", 0, nil)}, AnyVersion)
	s.Require().NoError(err)

	clock = clock.Add(2 * time.Hour)
	got, err := store.GetEvents(s.ctx, Query{StreamID: "cart:old"})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *StoreTestSuite) TestSnapshots() {
	snap, err := s.store.GetSnapshot(s.ctx, "cart:s", -1)
	s.Require().NoError(err)
	s.Nil(snap)

	id5, err := s.store.CreateSnapshot(s.ctx, "cart:s", map[string]interface{}{"items": 5}, 5, nil)
	s.Require().NoError(err)
	s.NotEmpty(id5)
	id10, err := s.store.CreateSnapshot(s.ctx, "cart:s", map[string]interface{}{"items": 10}, 10, map[string]interface{}{"by": "test"})
	s.Require().NoError(err)

	snap, err = s.store.GetSnapshot(s.ctx, "cart:s", -1)
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.Equal(id10, snap.ID)
	s.Equal(int64(10), snap.Version)
	s.Equal("cart", snap.AggregateType)

	snap, err = s.store.GetSnapshot(s.ctx, "cart:s", 9)
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.Equal(id5, snap.ID)

	snap, err = s.store.GetSnapshot(s.ctx, "cart:s", 4)
	s.Require().NoError(err)
	s.Nil(snap)

	s.Len(s.signals(SignalSnapshotCreated, 2), 2)

	_, err = s.store.CreateSnapshot(s.ctx, "", nil, 1, nil)
	s.True(apperrors.IsValidation(err))
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []*events.Snapshot
	fail     error
}

func (f *fakeArchiver) Archive(_ context.Context, snap *events.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.archived = append(f.archived, snap)
	return nil
}

func (f *fakeArchiver) Load(_ context.Context, streamID string, maxVersion int64) (*events.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *events.Snapshot
	for _, snap := range f.archived {
		if snap.StreamID != streamID || (maxVersion >= 0 && snap.Version > maxVersion) {
			continue
		}
		if best == nil || snap.Version > best.Version {
			best = snap
		}
	}
	return best, nil
}

func (s *StoreTestSuite) TestSnapshots_ArchiveFallback() {
	clock := s.base
	now := func() time.Time { return clock }
	kv := memory.New(memory.WithClock(now))
	archive := &fakeArchiver{}
	cfg := config.GetDefaults().EventStore
	cfg.SnapshotTTL = time.Hour
	store := New(kv, cfg, zaptest.NewLogger(s.T()), WithClock(now), WithArchiver(archive))
	defer store.Close()

	_, err := store.CreateSnapshot(s.ctx, "cart:a", map[string]interface{}{"total": 3.0}, 3, nil)
	s.Require().NoError(err)
	s.Len(archive.archived, 1)

	clock = clock.Add(2 * time.Hour)
	snap, err := store.GetSnapshot(s.ctx, "cart:a", -1)
	s.Require().NoError(err)
	s.Require().NotNil(snap, "served from the archive after the hot copy expired")
	s.Equal(int64(3), snap.Version)

	archive.fail = errors.New("bucket unavailable")
	_, err = store.CreateSnapshot(s.ctx, "cart:a", nil, 4, nil)
	s.NoError(err, "archive failures are not propagated")
}

func (s *StoreTestSuite) TestReplay_OrderAndAbort() {
	batch := make([]events.BaseEvent, 5)
	for i := range batch {
		batch[i] = s.event("item.added", 5-i, nil)
	}
	_, err := s.store.AppendEvents(s.ctx, "cart:r", batch, AnyVersion)
	s.Require().NoError(err)

	var seen []int64
	n, err := s.store.ReplayEvents(s.ctx, "cart:r", 2, 4, func(_ context.Context, e events.RecordedEvent) error {
		seen = append(seen, e.StreamVersion)
		return nil
	})
	s.Require().NoError(err)
	s.Equal(3, n)
	s.Equal([]int64{2, 3, 4}, seen, "version order even when timestamps disagree")

	boom := errors.New("boom")
	seen = nil
	n, err = s.store.ReplayEvents(s.ctx, "cart:r", 0, 0, func(_ context.Context, e events.RecordedEvent) error {
		if e.StreamVersion == 3 {
			return boom
		}
		seen = append(seen, e.StreamVersion)
		return nil
	})
	s.ErrorIs(err, boom)
	s.Equal(2, n)
	s.Equal([]int64{1, 2}, seen)

	failed := s.signals(SignalReplayFailed, 1)
	s.Require().Len(failed, 1)
	s.ErrorIs(failed[0].Err, boom)
	s.Len(s.signals(SignalReplayStarted, 2), 2)
	s.Len(s.signals(SignalReplayCompleted, 1), 1)
}

func (s *StoreTestSuite) TestReplay_ProgressSignals() {
	batch := make([]events.BaseEvent, 250)
	for i := range batch {
		batch[i] = s.event("tick", i, nil)
	}
	_, err := s.store.AppendEvents(s.ctx, "clock:1", batch, AnyVersion)
	s.Require().NoError(err)

	n, err := s.store.ReplayEvents(s.ctx, "clock:1", 1, 0, func(context.Context, events.RecordedEvent) error { return nil })
	s.Require().NoError(err)
	s.Equal(250, n)

	progress := s.signals(SignalReplayProgress, 2)
	s.Require().Len(progress, 2)
	s.Equal(100, progress[0].Payload.(ReplayProgress).Processed)
	s.Equal(200, progress[1].Payload.(ReplayProgress).Processed)
}

// cartReducer sums item quantities and counts events.
func cartReducer(state map[string]interface{}, e events.RecordedEvent) (map[string]interface{}, error) {
	next := copyState(state)
	qty, _ := e.Payload["qty"].(float64)
	total, _ := next["total"].(float64)
	count, _ := next["count"].(float64)
	next["total"] = total + qty
	next["count"] = count + 1
	next["last"] = e.ID
	return next, nil
}

func (s *StoreTestSuite) TestReplay_DeterministicAndSnapshotShortcut() {
	for i := 0; i < 4; i++ {
		batch := []events.BaseEvent{
			s.event("item.added", i*2, map[string]interface{}{"qty": float64(i + 1)}),
			s.event("item.added", i*2+1, map[string]interface{}{"qty": float64(10 * (i + 1))}),
		}
		_, err := s.store.AppendEvents(s.ctx, "cart:p", batch, AnyVersion)
		s.Require().NoError(err)
	}

	full := func() map[string]interface{} {
		state := map[string]interface{}{}
		_, err := s.store.ReplayEvents(s.ctx, "cart:p", 0, 0, func(_ context.Context, e events.RecordedEvent) error {
			var err error
			state, err = cartReducer(state, e)
			return err
		})
		s.Require().NoError(err)
		return state
	}

	first := full()
	s.Equal(first, full(), "replay is deterministic")
	s.Equal(float64(8), first["count"])

	// Materialise at version 5 and rehydrate from there.
	atFive := map[string]interface{}{}
	var err error
	_, err = s.store.ReplayEvents(s.ctx, "cart:p", 1, 5, func(_ context.Context, e events.RecordedEvent) error {
		atFive, err = cartReducer(atFive, e)
		return err
	})
	s.Require().NoError(err)
	_, err = s.store.CreateSnapshot(s.ctx, "cart:p", atFive, 5, nil)
	s.Require().NoError(err)

	snap, err := s.store.GetSnapshot(s.ctx, "cart:p", 5)
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	state := snap.Data
	_, err = s.store.ReplayEvents(s.ctx, "cart:p", snap.Version+1, 0, func(_ context.Context, e events.RecordedEvent) error {
		state, err = cartReducer(state, e)
		return err
	})
	s.Require().NoError(err)
	s.Equal(first, state)

	rehydrated, version, err := s.store.Rehydrate(s.ctx, "cart:p", nil, cartReducer)
	s.Require().NoError(err)
	s.Equal(int64(8), version)
	s.Equal(first, rehydrated)
}

func (s *StoreTestSuite) TestDeleteStream_Soft() {
	_, err := s.store.AppendEvents(s.ctx, "cart:d", []events.BaseEvent{s.event("a", 0, nil)}, AnyVersion)
	s.Require().NoError(err)

	s.Require().NoError(s.store.DeleteStream(s.ctx, "cart:d", false))

	stream, err := s.store.GetStream(s.ctx, "cart:d")
	s.Require().NoError(err)
	s.Require().NotNil(stream)
	s.True(stream.Deleted())

	got, err := s.store.GetEvents(s.ctx, Query{StreamID: "cart:d"})
	s.Require().NoError(err)
	s.Len(got, 1, "soft-deleted data is retained")
}

func (s *StoreTestSuite) TestDeleteStream_Hard() {
	_, err := s.store.AppendEvents(s.ctx, "cart:h", []events.BaseEvent{s.event("a", 0, nil), s.event("b", 1, nil)}, AnyVersion)
	s.Require().NoError(err)
	_, err = s.store.AppendEvents(s.ctx, "cart:keep", []events.BaseEvent{s.event("a", 0, nil)}, AnyVersion)
	s.Require().NoError(err)
	_, err = s.store.CreateSnapshot(s.ctx, "cart:h", map[string]interface{}{"n": 2}, 2, nil)
	s.Require().NoError(err)

	s.Require().NoError(s.store.DeleteStream(s.ctx, "cart:h", true))

	stream, err := s.store.GetStream(s.ctx, "cart:h")
	s.Require().NoError(err)
	s.Nil(stream)

	keys, err := s.kv.Keys(s.ctx, "*cart:h*")
	s.Require().NoError(err)
	s.Empty(keys)

	snap, err := s.store.GetSnapshot(s.ctx, "cart:h", -1)
	s.Require().NoError(err)
	s.Nil(snap)

	got, err := s.store.GetEvents(s.ctx, Query{AggregateType: "cart"})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("cart:keep", got[0].StreamID)

	s.NoError(s.store.DeleteStream(s.ctx, "cart:h", true), "missing stream is a no-op")

	deleted := s.signals(SignalStreamDeleted, 1)
	s.Require().Len(deleted, 1)
	s.Equal(StreamDeleted{StreamID: "cart:h", Hard: true}, deleted[0].Payload)
}

func TestQueryCache_Bounds(t *testing.T) {
	c := newQueryCache(2, 3)

	small := make([]events.RecordedEvent, 3)
	large := make([]events.RecordedEvent, 4)

	c.put(Query{StreamID: "a"}, 0, small)
	c.put(Query{StreamID: "b"}, 0, large)
	assert.Equal(t, 1, c.len(), "results above the event bound are not cached")

	c.put(Query{StreamID: "b"}, 0, small)
	c.put(Query{StreamID: "c"}, 0, small)
	assert.Equal(t, 2, c.len(), "least recently used entry evicted")
	_, ok := c.get(Query{StreamID: "a"})
	assert.False(t, ok)

	c.put(Query{}, 0, small)
	c.invalidate("zzz")
	_, ok = c.get(Query{})
	assert.False(t, ok, "cross-stream entries drop on any change")
	_, ok = c.get(Query{StreamID: "c"})
	assert.True(t, ok)
}

func TestQueryCache_StaleGenerationNotCached(t *testing.T) {
	c := newQueryCache(10, 10)
	page := make([]events.RecordedEvent, 1)

	gen := c.generation(Query{StreamID: "a"})
	cross := c.generation(Query{})
	c.invalidate("a")
	c.put(Query{StreamID: "a"}, gen, page)
	c.put(Query{}, cross, page)
	assert.Zero(t, c.len(), "results read before an invalidation are dropped")

	other := c.generation(Query{StreamID: "b"})
	c.invalidate("a")
	c.put(Query{StreamID: "b"}, other, page)
	assert.Equal(t, 1, c.len(), "other streams keep caching")
}

// gatedKV blocks the first ZRangeByScore on gateKey until release is closed.
type gatedKV struct {
	*memory.Client
	gateKey string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]substrate.Z, error) {
	if key == g.gateKey {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Client.ZRangeByScore(ctx, key, min, max, offset, count)
}

func TestGetEvents_ReadRacingAppendNotCached(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	defer mem.Close()
	kv := &gatedKV{
		Client:  mem,
		gateKey: indexKey("cart:race"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := New(kv, config.GetDefaults().EventStore, zaptest.NewLogger(t))
	defer store.Close()

	_, err := store.AppendEvents(ctx, "cart:race", []events.BaseEvent{events.NewBaseEvent("item.added", "cart-service", nil)}, AnyVersion)
	require.NoError(t, err)

	done := make(chan []events.RecordedEvent)
	go func() {
		got, err := store.GetEvents(ctx, Query{StreamID: "cart:race"})
		assert.NoError(t, err)
		done <- got
	}()

	<-kv.entered
	_, err = store.AppendEvents(ctx, "cart:race", []events.BaseEvent{events.NewBaseEvent("item.added", "cart-service", nil)}, 1)
	require.NoError(t, err)
	close(kv.release)
	<-done

	got, err := store.GetEvents(ctx, Query{StreamID: "cart:race"})
	require.NoError(t, err)
	assert.Len(t, got, 2, "a completed append is visible to later reads")
}

func TestQuery_CacheKeyDistinguishesFilters(t *testing.T) {
	keys := map[string]struct{}{}
	for _, q := range []Query{
		{StreamID: "a"},
		{StreamID: "a", FromVersion: 1},
		{StreamID: "a", Limit: 1},
		{AggregateType: "a"},
		{EventTypes: []string{"a"}},
		{From: time.Unix(1, 0)},
	} {
		keys[q.cacheKey()] = struct{}{}
	}
	require.Len(t, keys, 6)
}

func TestStore_LockContention(t *testing.T) {
	kv := memory.New()
	store := New(kv, config.GetDefaults().EventStore, zaptest.NewLogger(t), WithLocker(kv))
	defer store.Close()

	held, err := kv.Obtain(context.Background(), "lock:"+metaKey("cart:l"), time.Minute)
	require.NoError(t, err)
	defer func() { _ = held.Release(context.Background()) }()

	_, err = store.AppendEvents(context.Background(), "cart:l", []events.BaseEvent{events.NewBaseEvent("a", "x", nil)}, AnyVersion)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict), fmt.Sprintf("got %v", err))
}
