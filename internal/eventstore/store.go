// Package eventstore keeps versioned per-aggregate event streams on the
// substrate key space, with optimistic concurrency, snapshots and replay.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
	"github.com/narwhalmedia/switchboard/pkg/signal"
)

// ErrConcurrencyConflict is wrapped by every version mismatch on append.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// AnyVersion skips the optimistic concurrency check.
const AnyVersion int64 = -1

const (
	streamLockTTL = 10 * time.Second
	allStreamsKey = "streams:all"
)

func eventKey(streamID string, version int64) string {
	return "event:" + streamID + ":" + strconv.FormatInt(version, 10)
}

func metaKey(streamID string) string          { return "stream:" + streamID }
func indexKey(streamID string) string         { return "stream:" + streamID + ":index" }
func snapshotIndexKey(streamID string) string { return "snapshots:" + streamID }
func typeStreamsKey(aggregateType string) string {
	return "streams:type:" + aggregateType
}

func snapshotKey(streamID string, version int64, ts time.Time) string {
	return fmt.Sprintf("snapshot:%s:%d:%d", streamID, version, ts.UnixNano())
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLocker serialises appends to a stream across processes.
func WithLocker(l substrate.Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithArchiver copies every created snapshot to cold storage.
func WithArchiver(a SnapshotArchiver) Option {
	return func(s *Store) { s.archiver = a }
}

// Store is the event store.
type Store struct {
	kv       substrate.KeyValue
	cfg      config.EventStoreConfig
	logger   *zap.Logger
	signals  *signal.Emitter
	cache    *queryCache
	locker   substrate.Locker
	archiver SnapshotArchiver
	now      func() time.Time

	streamLocks sync.Map // streamID -> *sync.Mutex
}

// New creates an event store.
func New(kv substrate.KeyValue, cfg config.EventStoreConfig, logger *zap.Logger, opts ...Option) *Store {
	if cfg.SnapshotFrequency <= 0 {
		cfg.SnapshotFrequency = 100
	}
	s := &Store{
		kv:      kv,
		cfg:     cfg,
		logger:  logger.Named("eventstore"),
		signals: signal.NewEmitter("eventstore", signal.DefaultConfig),
		cache:   newQueryCache(cfg.CacheSize, cfg.CacheMaxEvents),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signals returns the store signal emitter.
func (s *Store) Signals() *signal.Emitter {
	return s.signals
}

// Close stops signal delivery.
func (s *Store) Close() {
	s.signals.Close()
}

// AppendResult describes a successful append.
type AppendResult struct {
	StreamID      string
	AggregateType string
	FromVersion   int64
	NewVersion    int64
	Count         int
}

// SnapshotNeeded asks an owner to materialise the stream at Version.
type SnapshotNeeded struct {
	StreamID string
	Version  int64
}

// AppendEvents appends events to a stream and returns the new version.
// With expectedVersion >= 0 the append fails with a conflict unless the
// stream is at exactly that version; nothing is written in that case.
func (s *Store) AppendEvents(ctx context.Context, streamID string, evts []events.BaseEvent, expectedVersion int64) (int64, error) {
	if streamID == "" {
		return 0, apperrors.Validation("stream id is required")
	}
	if len(evts) == 0 {
		return 0, apperrors.Validation("at least one event is required")
	}
	for _, e := range evts {
		if err := events.ValidateEvent(e); err != nil {
			return 0, err
		}
	}

	unlock, err := s.lockStream(ctx, streamID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	meta, err := s.kv.HGetAll(ctx, metaKey(streamID))
	if err != nil {
		return 0, apperrors.Connectivity("read stream metadata", err)
	}
	current := parseInt(meta["version"])

	if expectedVersion >= 0 && expectedVersion != current {
		return 0, apperrors.Conflict(
			fmt.Sprintf("stream %s: expected version %d, actual %d", streamID, expectedVersion, current),
			ErrConcurrencyConflict,
		)
	}

	aggregateType, aggregateID := events.SplitStreamID(streamID)
	now := s.now().UTC()
	newVersion := current + int64(len(evts))

	batch := s.kv.Batch()
	members := make([]substrate.Z, 0, len(evts))
	for i, e := range evts {
		version := current + int64(i) + 1
		data, err := codec.Marshal(events.RecordedEvent{BaseEvent: e, StreamID: streamID, StreamVersion: version})
		if err != nil {
			return 0, apperrors.Internal("encode event", err)
		}
		batch.Set(eventKey(streamID, version), data, s.cfg.EventTTL)
		members = append(members, substrate.Z{Score: float64(version), Member: strconv.FormatInt(version, 10)})
	}
	batch.ZAdd(indexKey(streamID), members...)

	fields := map[string]string{
		"streamId":      streamID,
		"aggregateType": aggregateType,
		"aggregateId":   aggregateID,
		"version":       strconv.FormatInt(newVersion, 10),
		"eventCount":    strconv.FormatInt(parseInt(meta["eventCount"])+int64(len(evts)), 10),
		"updatedAt":     now.Format(time.RFC3339Nano),
	}
	if meta["createdAt"] == "" {
		fields["createdAt"] = now.Format(time.RFC3339Nano)
	}
	batch.HSet(metaKey(streamID), fields)
	batch.SAdd(allStreamsKey, streamID)
	if aggregateType != "" {
		batch.SAdd(typeStreamsKey(aggregateType), streamID)
	}

	if err := batch.Exec(ctx); err != nil {
		return 0, apperrors.Connectivity("append events", err)
	}

	s.cache.invalidate(streamID)

	s.signals.Emit(SignalAppended, AppendResult{
		StreamID:      streamID,
		AggregateType: aggregateType,
		FromVersion:   current,
		NewVersion:    newVersion,
		Count:         len(evts),
	}, nil)
	if newVersion%s.cfg.SnapshotFrequency == 0 {
		s.signals.Emit(SignalSnapshotNeeded, SnapshotNeeded{StreamID: streamID, Version: newVersion}, nil)
	}

	s.logger.Debug("events appended",
		zap.String("stream_id", streamID),
		zap.Int64("version", newVersion),
		zap.Int("count", len(evts)),
	)
	return newVersion, nil
}

// lockStream serialises appends to one stream in this process and, when a
// locker is configured, across processes.
func (s *Store) lockStream(ctx context.Context, streamID string) (func(), error) {
	mu, _ := s.streamLocks.LoadOrStore(streamID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()

	if s.locker == nil {
		return m.Unlock, nil
	}

	l, err := s.locker.Obtain(ctx, "lock:"+metaKey(streamID), streamLockTTL)
	if err != nil {
		m.Unlock()
		if errors.Is(err, substrate.ErrLockNotObtained) {
			return nil, apperrors.Conflict("stream "+streamID+" is being appended elsewhere", ErrConcurrencyConflict)
		}
		return nil, apperrors.Connectivity("lock stream", err)
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release stream lock", zap.String("stream_id", streamID), zap.Error(err))
		}
		m.Unlock()
	}, nil
}

// GetStream returns stream metadata without events, or nil when the stream
// does not exist.
func (s *Store) GetStream(ctx context.Context, streamID string) (*events.EventStream, error) {
	meta, err := s.kv.HGetAll(ctx, metaKey(streamID))
	if err != nil {
		return nil, apperrors.Connectivity("read stream metadata", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return streamFromMeta(streamID, meta), nil
}

func streamFromMeta(streamID string, meta map[string]string) *events.EventStream {
	aggregateType, aggregateID := events.SplitStreamID(streamID)
	if meta["aggregateType"] != "" {
		aggregateType = meta["aggregateType"]
	}
	if meta["aggregateId"] != "" {
		aggregateID = meta["aggregateId"]
	}
	stream := &events.EventStream{
		StreamID:      streamID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       parseInt(meta["version"]),
		EventCount:    parseInt(meta["eventCount"]),
		CreatedAt:     parseTime(meta["createdAt"]),
		UpdatedAt:     parseTime(meta["updatedAt"]),
	}
	if d := meta["deleted"]; d != "" {
		t := parseTime(d)
		stream.DeletedAt = &t
	}
	return stream
}

// DeleteStream soft deletes by stamping the metadata, or with hard removes
// events, metadata, indexes and snapshots. Missing streams are ignored.
func (s *Store) DeleteStream(ctx context.Context, streamID string, hard bool) error {
	meta, err := s.kv.HGetAll(ctx, metaKey(streamID))
	if err != nil {
		return apperrors.Connectivity("read stream metadata", err)
	}
	if len(meta) == 0 {
		return nil
	}

	defer s.cache.invalidate(streamID)

	if !hard {
		if err := s.kv.HSet(ctx, metaKey(streamID), map[string]string{
			"deleted": s.now().UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return apperrors.Connectivity("soft delete stream", err)
		}
		s.signals.Emit(SignalStreamDeleted, StreamDeleted{StreamID: streamID, Hard: false}, nil)
		s.logger.Info("stream soft deleted", zap.String("stream_id", streamID))
		return nil
	}

	versions, err := s.kv.ZRangeByScore(ctx, indexKey(streamID), 0, float64(parseInt(meta["version"])), 0, 0)
	if err != nil {
		return apperrors.Connectivity("read stream index", err)
	}
	snapshots, err := s.kv.ZRangeByScore(ctx, snapshotIndexKey(streamID), negInf, posInf, 0, 0)
	if err != nil {
		return apperrors.Connectivity("read snapshot index", err)
	}

	keys := make([]string, 0, len(versions)+len(snapshots)+3)
	for _, z := range versions {
		keys = append(keys, eventKey(streamID, int64(z.Score)))
	}
	for _, z := range snapshots {
		keys = append(keys, z.Member)
	}
	keys = append(keys, metaKey(streamID), indexKey(streamID), snapshotIndexKey(streamID))

	batch := s.kv.Batch()
	batch.Del(keys...)
	batch.SRem(allStreamsKey, streamID)
	if t := meta["aggregateType"]; t != "" {
		batch.SRem(typeStreamsKey(t), streamID)
	}
	if err := batch.Exec(ctx); err != nil {
		// Keys left behind expire through their TTL.
		return apperrors.Connectivity("hard delete stream", err)
	}

	s.signals.Emit(SignalStreamDeleted, StreamDeleted{StreamID: streamID, Hard: true}, nil)
	s.logger.Info("stream hard deleted",
		zap.String("stream_id", streamID),
		zap.Int("keys", len(keys)),
	)
	return nil
}

// StreamDeleted is the payload of SignalStreamDeleted.
type StreamDeleted struct {
	StreamID string
	Hard     bool
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
