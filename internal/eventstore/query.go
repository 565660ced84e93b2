package eventstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

// Query selects events from one stream, or across streams when StreamID is
// empty.
type Query struct {
	StreamID      string
	AggregateType string
	EventTypes    []string
	// FromVersion is exclusive; ToVersion is inclusive, zero means current.
	FromVersion int64
	ToVersion   int64
	From        time.Time
	To          time.Time
	Offset      int
	Limit       int
}

func (q Query) matches(e *events.RecordedEvent) bool {
	if len(q.EventTypes) > 0 {
		found := false
		for _, t := range q.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

// GetEvents returns the events selected by q sorted by timestamp ascending.
// Soft-deleted streams are still returned.
func (s *Store) GetEvents(ctx context.Context, q Query) ([]events.RecordedEvent, error) {
	if q.Offset < 0 || q.Limit < 0 {
		return nil, apperrors.Validation("offset and limit must not be negative")
	}
	if cached, ok := s.cache.get(q); ok {
		return cached, nil
	}
	gen := s.cache.generation(q)

	var (
		out []events.RecordedEvent
		err error
	)
	if q.StreamID != "" {
		out, err = s.streamEvents(ctx, q.StreamID, q.FromVersion, q.ToVersion)
	} else {
		out, err = s.crossStreamEvents(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	filtered := out[:0]
	for i := range out {
		if q.matches(&out[i]) {
			filtered = append(filtered, out[i])
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	page := paginate(filtered, q.Offset, q.Limit)
	s.cache.put(q, gen, page)
	return page, nil
}

func paginate(evts []events.RecordedEvent, offset, limit int) []events.RecordedEvent {
	if offset >= len(evts) {
		return []events.RecordedEvent{}
	}
	evts = evts[offset:]
	if limit > 0 && limit < len(evts) {
		evts = evts[:limit]
	}
	return evts
}

// streamEvents loads versions (from, to] of one stream in version order.
func (s *Store) streamEvents(ctx context.Context, streamID string, from, to int64) ([]events.RecordedEvent, error) {
	meta, err := s.kv.HGetAll(ctx, metaKey(streamID))
	if err != nil {
		return nil, apperrors.Connectivity("read stream metadata", err)
	}
	current := parseInt(meta["version"])
	if to <= 0 || to > current {
		to = current
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return []events.RecordedEvent{}, nil
	}

	index, err := s.kv.ZRangeByScore(ctx, indexKey(streamID), float64(from+1), float64(to), 0, 0)
	if err != nil {
		return nil, apperrors.Connectivity("read stream index", err)
	}

	out := make([]events.RecordedEvent, 0, len(index))
	for _, z := range index {
		version := int64(z.Score)
		data, err := s.kv.Get(ctx, eventKey(streamID, version))
		if errors.Is(err, substrate.ErrNil) {
			// Expired by retention.
			continue
		}
		if err != nil {
			return nil, apperrors.Connectivity("read event", err)
		}
		var e events.RecordedEvent
		if err := codec.Unmarshal(data, &e); err != nil {
			s.logger.Warn("skipping undecodable event",
				zap.String("stream_id", streamID),
				zap.Int64("version", version),
				zap.Error(err),
			)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// crossStreamEvents enumerates candidate streams from the secondary index.
func (s *Store) crossStreamEvents(ctx context.Context, q Query) ([]events.RecordedEvent, error) {
	setKey := allStreamsKey
	if q.AggregateType != "" {
		setKey = typeStreamsKey(q.AggregateType)
	}
	streamIDs, err := s.kv.SMembers(ctx, setKey)
	if err != nil {
		return nil, apperrors.Connectivity("read stream index", err)
	}
	sort.Strings(streamIDs)

	var out []events.RecordedEvent
	for _, id := range streamIDs {
		evts, err := s.streamEvents(ctx, id, q.FromVersion, q.ToVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, evts...)
	}
	return out, nil
}
