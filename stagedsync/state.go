package stagedsync

import (
	"github.com/google/uuid"
)

// ControlFlowKind tells the run loop how to continue after a pass.
type ControlFlowKind uint8

const (
	// ControlFlowContinue means at least one stage made progress and more
	// work may remain.
	ControlFlowContinue ControlFlowKind = iota
	// ControlFlowNoProgress means no stage advanced in the pass; the run loop
	// should wait for a new chain tip.
	ControlFlowNoProgress
	// ControlFlowRolledBack means a stage reported invalid data and the
	// pipeline rolled back to RollbackTarget.
	ControlFlowRolledBack
)

func (k ControlFlowKind) String() string {
	switch k {
	case ControlFlowContinue:
		return "continue"
	case ControlFlowNoProgress:
		return "no_progress"
	case ControlFlowRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// ControlFlow is the result of a single pass over all stages.
type ControlFlow struct {
	Kind ControlFlowKind

	// BlockReached is the highest checkpoint any executed stage reached in the
	// pass, or nil if no stage was executed.
	BlockReached *uint64

	// ReachedChainTip is true if the last stage of the pass was at the chain tip.
	ReachedChainTip bool

	// RollbackTarget is the height the pipeline rolled back to. Only set for
	// ControlFlowRolledBack.
	RollbackTarget uint64

	// StagesRolledBack is the number of stages the cascade rolled back. Zero
	// means the bad block was above every committed checkpoint.
	StagesRolledBack int
}

// runState is owned by a single in-flight Run and discarded when it returns.
type runState struct {
	runID string

	// Lowest and highest checkpoints reached by executed stages in the
	// latest pass.
	oldestBlockReached     *uint64
	mostRecentBlockReached *uint64

	reachedChainTip bool

	// lastTip is the chain tip observed by the latest pass.
	lastTip uint64
}

func newRunState() *runState {
	return &runState{runID: uuid.NewString()}
}

// resetPass clears the per-pass progress.
func (s *runState) resetPass() {
	s.oldestBlockReached = nil
	s.mostRecentBlockReached = nil
	s.reachedChainTip = false
}

func (s *runState) recordReached(height uint64) {
	if s.oldestBlockReached == nil || height < *s.oldestBlockReached {
		h := height
		s.oldestBlockReached = &h
	}
	if s.mostRecentBlockReached == nil || height > *s.mostRecentBlockReached {
		h := height
		s.mostRecentBlockReached = &h
	}
}
