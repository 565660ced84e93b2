package eventstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

const replayProgressEvery = 100

// EventHandler receives replayed events one at a time.
type EventHandler func(ctx context.Context, e events.RecordedEvent) error

// ReplayProgress is the payload of the replay signals.
type ReplayProgress struct {
	StreamID    string
	FromVersion int64
	ToVersion   int64
	Processed   int
	Total       int
}

// ReplayEvents feeds versions fromVersion..toVersion (both inclusive, zero
// toVersion meaning current) to handler in version order. The first handler
// error stops the replay and is returned with the count processed so far.
func (s *Store) ReplayEvents(ctx context.Context, streamID string, fromVersion, toVersion int64, handler EventHandler) (int, error) {
	if handler == nil {
		return 0, apperrors.Validation("replay handler is required")
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	evts, err := s.streamEvents(ctx, streamID, fromVersion-1, toVersion)
	if err != nil {
		return 0, err
	}

	progress := ReplayProgress{
		StreamID:    streamID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Total:       len(evts),
	}
	s.signals.Emit(SignalReplayStarted, progress, nil)

	for _, e := range evts {
		if err := ctx.Err(); err != nil {
			return s.replayFailed(progress, err)
		}
		if err := handler(ctx, e); err != nil {
			return s.replayFailed(progress, fmt.Errorf("replay %s at version %d: %w", streamID, e.StreamVersion, err))
		}
		progress.Processed++
		if progress.Processed%replayProgressEvery == 0 {
			s.signals.Emit(SignalReplayProgress, progress, nil)
		}
	}

	s.signals.Emit(SignalReplayCompleted, progress, nil)
	s.logger.Debug("replay completed",
		zap.String("stream_id", streamID),
		zap.Int("processed", progress.Processed),
	)
	return progress.Processed, nil
}

func (s *Store) replayFailed(progress ReplayProgress, err error) (int, error) {
	s.signals.Emit(SignalReplayFailed, progress, err)
	s.logger.Error("replay failed",
		zap.String("stream_id", progress.StreamID),
		zap.Int("processed", progress.Processed),
		zap.Error(err),
	)
	return progress.Processed, err
}

// Reducer folds one event into aggregate state.
type Reducer func(state map[string]interface{}, e events.RecordedEvent) (map[string]interface{}, error)

// Rehydrate rebuilds aggregate state from the latest snapshot, or from
// initial when there is none, and the events recorded after it. It returns
// the state and the version it reflects.
func (s *Store) Rehydrate(ctx context.Context, streamID string, initial map[string]interface{}, reduce Reducer) (map[string]interface{}, int64, error) {
	state := copyState(initial)
	var version int64

	snap, err := s.GetSnapshot(ctx, streamID, -1)
	if err != nil {
		return nil, 0, err
	}
	if snap != nil {
		state = copyState(snap.Data)
		version = snap.Version
	}

	_, err = s.ReplayEvents(ctx, streamID, version+1, 0, func(_ context.Context, e events.RecordedEvent) error {
		next, err := reduce(state, e)
		if err != nil {
			return err
		}
		state = next
		version = e.StreamVersion
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return state, version, nil
}

func copyState(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
