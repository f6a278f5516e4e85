package stagedsync

import "fmt"

// EventKind is the kind of a pipeline Event.
type EventKind uint8

const (
	// EventRunning is emitted right before a stage executes.
	EventRunning EventKind = iota
	// EventRan is emitted after a stage executed and its progress was committed.
	EventRan
	// EventSkipped is emitted when a stage is not executed in a pass.
	EventSkipped
	// EventRollbacking is emitted right before a stage rolls back.
	EventRollbacking
	// EventRollbacked is emitted after a stage rolled back and the rollback
	// was committed.
	EventRollbacked
)

func (k EventKind) String() string {
	switch k {
	case EventRunning:
		return "running"
	case EventRan:
		return "ran"
	case EventSkipped:
		return "skipped"
	case EventRollbacking:
		return "rollbacking"
	case EventRollbacked:
		return "rollbacked"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SkipReason explains an EventSkipped.
type SkipReason string

const (
	// SkipReasonUpToDate means the stage's checkpoint already reached its target.
	SkipReasonUpToDate SkipReason = "up_to_date"
	// SkipReasonChainTipNotReached means the stage requires the chain tip and
	// the stage before it did not reach it.
	SkipReasonChainTipNotReached SkipReason = "chain_tip_not_reached"
)

// Event is a pipeline lifecycle event. Which payload fields are set depends
// on Kind.
type Event struct {
	Kind  EventKind `json:"kind"`
	Stage StageID   `json:"stage"`
	RunID string    `json:"run_id,omitempty"`

	// Running, Skipped: the stage's checkpoint and target in this pass.
	Checkpoint uint64 `json:"checkpoint"`
	Target     uint64 `json:"target"`

	// Skipped only.
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// Ran only.
	ExecOutput *ExecOutput `json:"exec_output,omitempty"`

	// Rollbacking only.
	RollbackInput *RollbackInput `json:"rollback_input,omitempty"`

	// Rollbacked only.
	RollbackOutput *RollbackOutput `json:"rollback_output,omitempty"`
}

// MetricEvent is an event carrying progress information for metrics.
// The only implementation is StageReachedCheckpoint.
type MetricEvent interface {
	isMetricEvent()
}

// StageReachedCheckpoint is emitted whenever a stage's checkpoint changes,
// and for every stage when a run starts.
type StageReachedCheckpoint struct {
	Stage      StageID `json:"stage"`
	Checkpoint uint64  `json:"checkpoint"`

	// KnownLatestReachable is the highest height the stage could reach in the
	// current pass, if known.
	KnownLatestReachable *uint64 `json:"known_latest_reachable,omitempty"`
}

func (StageReachedCheckpoint) isMetricEvent() {}
