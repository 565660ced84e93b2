package eventstore

import "github.com/narwhalmedia/switchboard/pkg/signal"

// Signals emitted by the store.
const (
	SignalAppended        signal.Kind = "appended"         // payload: AppendResult
	SignalSnapshotNeeded  signal.Kind = "snapshot_needed"  // payload: SnapshotNeeded
	SignalSnapshotCreated signal.Kind = "snapshot_created" // payload: *events.Snapshot
	SignalReplayStarted   signal.Kind = "replay_started"   // payload: ReplayProgress
	SignalReplayProgress  signal.Kind = "replay_progress"  // payload: ReplayProgress
	SignalReplayCompleted signal.Kind = "replay_completed" // payload: ReplayProgress
	SignalReplayFailed    signal.Kind = "replay_failed"    // payload: ReplayProgress, Err set
	SignalStreamDeleted   signal.Kind = "stream_deleted"   // payload: StreamDeleted
)
