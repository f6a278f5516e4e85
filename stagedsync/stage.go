// Package stagedsync implements the staged synchronization pipeline.
//
// Synchronization is split into serialized stages (e.g. header download,
// body download, sender recovery, execution). The pipeline runs every stage
// in order, each one starting from its own checkpoint and advancing toward
// the chain tip, but never past the checkpoint of the stage before it. When a
// stage detects invalid data, the pipeline rolls back every stage that went
// past the offending block, ordered by rollback priority, and then resumes
// forward execution.
package stagedsync

import (
	"context"

	"github.com/ethsync/stagesync/storage"
)

// StageID uniquely identifies a stage within a pipeline. It is the key of the
// stage's checkpoint.
type StageID string

func (id StageID) String() string {
	return string(id)
}

// StageProgress is the checkpoint of a stage.
type StageProgress struct {
	ID     StageID `json:"id"`
	Height uint64  `json:"height"`
}

// ExecInput is passed to Stage.Execute.
type ExecInput struct {
	// PreviousStage is the progress of the stage right before this one in
	// the queue, or nil for the first stage.
	PreviousStage *StageProgress

	// Checkpoint is the height up to which this stage has durably completed
	// work. Zero means nothing beyond genesis.
	Checkpoint uint64

	// Target is the highest height the stage may advance to in this call:
	// the chain tip, capped by the configured stop height and by
	// PreviousStage.
	Target uint64

	// Tip is the chain tip capped by the configured stop height. A stage that
	// reaches it has reached the chain tip.
	Tip uint64
}

// NextBlock returns the first height the stage has not processed yet.
func (in ExecInput) NextBlock() uint64 {
	return in.Checkpoint + 1
}

// ExecOutput is returned by Stage.Execute.
type ExecOutput struct {
	// BlockReached is the new checkpoint of the stage.
	BlockReached uint64 `json:"block_reached"`

	// Done is false if the stage stopped early (e.g. after a batch) and
	// wants to be invoked again in the same pass.
	Done bool `json:"done"`

	// ReachedChainTip reports whether BlockReached is the chain tip. Stages
	// queued with RequiresChainTip only run if the stage before them reported
	// this.
	ReachedChainTip bool `json:"reached_chain_tip"`
}

// RollbackInput is passed to Stage.Rollback.
type RollbackInput struct {
	// CurrentBlock is the stage's checkpoint.
	CurrentBlock uint64 `json:"current_block"`

	// TargetBlock is the height to roll back to. Everything above it must be
	// undone.
	TargetBlock uint64 `json:"target_block"`

	// BadBlock is the block reported as invalid, if the rollback was caused
	// by a validation failure that named one.
	BadBlock *uint64 `json:"bad_block,omitempty"`
}

// RollbackOutput is returned by Stage.Rollback.
type RollbackOutput struct {
	// BlockReached is the new checkpoint of the stage. It must equal
	// RollbackInput.TargetBlock.
	BlockReached uint64 `json:"block_reached"`
}

// Stage is a unit of forward and backward processing driven by the pipeline.
//
// The transaction passed to Execute and Rollback is owned by the stage only
// for the duration of the call and must not be retained. It is committed by
// the pipeline together with the stage's new checkpoint, or discarded if the
// call fails. Execute must therefore be restart-safe: after a crash it is
// called again from the last committed checkpoint.
type Stage interface {
	// ID returns the stage's identifier. It must be stable for the lifetime
	// of the stage.
	ID() StageID

	// Execute advances the stage from in.Checkpoint toward in.Target.
	//
	// Returning an error matching ErrInvalidState (see NewInvalidStateError)
	// makes the pipeline roll back. Any other error aborts the run.
	Execute(ctx context.Context, tx storage.RwTx, in ExecInput) (ExecOutput, error)

	// Rollback undoes the stage's work above in.TargetBlock.
	Rollback(ctx context.Context, tx storage.RwTx, in RollbackInput) (RollbackOutput, error)
}
