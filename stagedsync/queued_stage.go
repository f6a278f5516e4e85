package stagedsync

import (
	"cmp"
	"slices"
)

// QueuedStage is a stage together with its scheduling metadata.
type QueuedStage struct {
	Stage Stage

	// RollbackPriority orders the rollback cascade: stages with a higher
	// priority are rolled back first. Stages with equal priority are rolled
	// back in reverse execution order.
	RollbackPriority int

	// RequiresChainTip makes the stage run only in passes where the stage
	// before it reached the chain tip.
	RequiresChainTip bool
}

// rollbackOrder returns the stages in the order they are rolled back.
func rollbackOrder(stages []*QueuedStage) []*QueuedStage {
	order := slices.Clone(stages)
	slices.Reverse(order)
	slices.SortStableFunc(order, func(a, b *QueuedStage) int {
		return cmp.Compare(b.RollbackPriority, a.RollbackPriority)
	})
	return order
}
