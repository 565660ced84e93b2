package eventstore

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

// SnapshotArchiver copies snapshots to cold storage and reads them back when
// the hot copy has expired.
type SnapshotArchiver interface {
	Archive(ctx context.Context, snap *events.Snapshot) error
	// Load returns the latest archived snapshot at or below maxVersion, or
	// nil when there is none. A negative maxVersion means any version.
	Load(ctx context.Context, streamID string, maxVersion int64) (*events.Snapshot, error)
}

// CreateSnapshot stores aggregate state at version and returns the snapshot
// ID. Older snapshots are kept.
func (s *Store) CreateSnapshot(ctx context.Context, streamID string, data map[string]interface{}, version int64, metadata map[string]interface{}) (string, error) {
	if streamID == "" {
		return "", apperrors.Validation("stream id is required")
	}
	if version < 0 {
		return "", apperrors.Validation("snapshot version must not be negative")
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	aggregateType, aggregateID := events.SplitStreamID(streamID)
	snap := &events.Snapshot{
		ID:            uuid.NewString(),
		StreamID:      streamID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version,
		Data:          data,
		Timestamp:     s.now().UTC(),
		Metadata:      metadata,
	}

	raw, err := codec.Marshal(snap)
	if err != nil {
		return "", apperrors.Internal("encode snapshot", err)
	}

	key := snapshotKey(streamID, version, snap.Timestamp)
	batch := s.kv.Batch()
	batch.Set(key, raw, s.cfg.SnapshotTTL)
	batch.ZAdd(snapshotIndexKey(streamID), substrate.Z{Score: float64(version), Member: key})
	if err := batch.Exec(ctx); err != nil {
		return "", apperrors.Connectivity("store snapshot", err)
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, snap); err != nil {
			s.logger.Warn("failed to archive snapshot",
				zap.String("stream_id", streamID),
				zap.Int64("version", version),
				zap.Error(err),
			)
		}
	}

	s.signals.Emit(SignalSnapshotCreated, snap, nil)
	s.logger.Debug("snapshot created",
		zap.String("stream_id", streamID),
		zap.String("snapshot_id", snap.ID),
		zap.Int64("version", version),
	)
	return snap.ID, nil
}

// GetSnapshot returns the latest snapshot with version <= maxVersion, or the
// latest overall when maxVersion is negative. It returns nil when none exists.
func (s *Store) GetSnapshot(ctx context.Context, streamID string, maxVersion int64) (*events.Snapshot, error) {
	max := posInf
	if maxVersion >= 0 {
		max = float64(maxVersion)
	}

	candidates, err := s.kv.ZRevRangeByScore(ctx, snapshotIndexKey(streamID), negInf, max, 0, 0)
	if err != nil {
		return nil, apperrors.Connectivity("read snapshot index", err)
	}

	var stale []string
	defer func() {
		if len(stale) == 0 {
			return
		}
		if err := s.kv.ZRem(context.WithoutCancel(ctx), snapshotIndexKey(streamID), stale...); err != nil {
			s.logger.Debug("failed to prune snapshot index", zap.Error(err))
		}
	}()

	for _, z := range candidates {
		raw, err := s.kv.Get(ctx, z.Member)
		if errors.Is(err, substrate.ErrNil) {
			stale = append(stale, z.Member)
			continue
		}
		if err != nil {
			return nil, apperrors.Connectivity("read snapshot", err)
		}
		var snap events.Snapshot
		if err := codec.Unmarshal(raw, &snap); err != nil {
			s.logger.Warn("skipping undecodable snapshot", zap.String("key", z.Member), zap.Error(err))
			continue
		}
		return &snap, nil
	}

	if s.archiver == nil {
		return nil, nil
	}
	snap, err := s.archiver.Load(ctx, streamID, maxVersion)
	if err != nil {
		s.logger.Warn("failed to load archived snapshot", zap.String("stream_id", streamID), zap.Error(err))
		return nil, nil
	}
	return snap, nil
}
