package stagedsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethsync/stagesync/emitters"
	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/storage"
	"github.com/ethsync/stagesync/tip"
)

const eventBufferSize = 256

// Config controls a pipeline run. It is read-only while the pipeline runs.
type Config struct {
	// StartWithRollbackToBlock, if set, rolls all stages back to this height
	// once before the first pass.
	StartWithRollbackToBlock *uint64

	// StopSyncAfterReachingBlock, if set, caps every target at this height.
	StopSyncAfterReachingBlock *uint64

	// ExitAfterSync makes Run return once all stages are synced: to the stop
	// height if one is set, otherwise to the chain tip.
	ExitAfterSync bool
}

// Pipeline drives a fixed queue of stages toward the chain tip.
//
// Stages are added with PushStage and PushStageWithRollbackPriority before
// the first call to Run or RunOnce. A pipeline runs at most one pass at a
// time; Run and RunOnce must not be called concurrently.
type Pipeline struct {
	cfg         Config
	db          storage.Database
	tips        tip.Source
	checkpoints CheckpointStore
	logger      *log.Logger

	stages  []*QueuedStage
	started atomic.Bool

	events  *emitters.Emitters[Event]
	metrics *emitters.Emitters[MetricEvent]

	state *runState
}

// New creates a pipeline without stages. Checkpoints are stored in db
// through a KVCheckpointStore unless WithCheckpointStore is used.
func New(cfg Config, db storage.Database, tips tip.Source, logger *log.Logger) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		db:          db,
		tips:        tips,
		checkpoints: &KVCheckpointStore{},
		logger:      logger.WithModule("pipeline"),
		events:      emitters.New[Event](eventBufferSize),
		metrics:     emitters.New[MetricEvent](eventBufferSize),
	}
}

// WithCheckpointStore replaces the checkpoint store.
func (p *Pipeline) WithCheckpointStore(store CheckpointStore) *Pipeline {
	p.mustNotBeStarted()
	p.checkpoints = store
	return p
}

// PushStage appends a stage with rollback priority 0.
func (p *Pipeline) PushStage(stage Stage, requiresChainTip bool) *Pipeline {
	return p.PushStageWithRollbackPriority(stage, requiresChainTip, 0)
}

// PushStageWithRollbackPriority appends a stage. During a rollback, stages
// with a higher priority are rolled back first.
//
// It panics if the pipeline already started running.
func (p *Pipeline) PushStageWithRollbackPriority(stage Stage, requiresChainTip bool, priority int) *Pipeline {
	p.mustNotBeStarted()
	p.stages = append(p.stages, &QueuedStage{
		Stage:            stage,
		RollbackPriority: priority,
		RequiresChainTip: requiresChainTip,
	})
	return p
}

func (p *Pipeline) mustNotBeStarted() {
	if p.started.Load() {
		panic("stagedsync: pipeline modified after it started running")
	}
}

// Stages returns the IDs of the queued stages in execution order.
func (p *Pipeline) Stages() []StageID {
	ids := make([]StageID, 0, len(p.stages))
	for _, qs := range p.stages {
		ids = append(ids, qs.Stage.ID())
	}
	return ids
}

// SubscribeEvents returns a subscription to the pipeline's lifecycle events.
func (p *Pipeline) SubscribeEvents() *emitters.Subscription[Event] {
	return p.events.Subscribe()
}

// SubscribeMetrics returns a subscription to the pipeline's metric events.
func (p *Pipeline) SubscribeMetrics() *emitters.Subscription[MetricEvent] {
	return p.metrics.Subscribe()
}

// Close closes all subscriptions. The pipeline must not be run afterwards.
func (p *Pipeline) Close() {
	p.events.Close()
	p.metrics.Close()
}

// Checkpoints returns the checkpoint of every queued stage, in execution order.
// It is safe to call while the pipeline is running.
func (p *Pipeline) Checkpoints(ctx context.Context) ([]StageProgress, error) {
	progress := make([]StageProgress, 0, len(p.stages))
	err := storage.View(ctx, p.db, func(tx storage.Tx) error {
		for _, qs := range p.stages {
			id := qs.Stage.ID()
			h, err := p.checkpoints.Get(ctx, tx, id)
			if err != nil {
				return err
			}
			progress = append(progress, StageProgress{ID: id, Height: h})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}

// validate checks the stage queue and freezes it.
func (p *Pipeline) validate() error {
	if len(p.stages) == 0 {
		return ErrNoStages
	}
	seen := make(map[StageID]struct{}, len(p.stages))
	for _, qs := range p.stages {
		id := qs.Stage.ID()
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, id)
		}
		seen[id] = struct{}{}
	}
	p.started.Store(true)
	return nil
}

// Run executes passes until the context is cancelled, an unrecoverable error
// occurs, or (with ExitAfterSync) all stages are synced.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.validate(); err != nil {
		return err
	}
	st := newRunState()
	p.state = st
	defer func() { p.state = nil }()

	logger := p.logger.With("run_id", st.runID)
	logger.Info("starting pipeline",
		"stages", len(p.stages),
		"stop_height", optionalHeight(p.cfg.StopSyncAfterReachingBlock),
		"exit_after_sync", p.cfg.ExitAfterSync,
	)

	if target := p.cfg.StartWithRollbackToBlock; target != nil {
		logger.Info("rolling back before first pass", "target", *target)
		if _, err := p.rollbackTo(ctx, st, *target, nil); err != nil {
			return err
		}
	}

	if err := p.emitProgressMetricOfStages(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("pipeline stopped", "reason", err)
			return err
		}

		if stop := p.cfg.StopSyncAfterReachingBlock; stop != nil && p.cfg.ExitAfterSync {
			synced, err := p.allStagesReached(ctx, *stop)
			if err != nil {
				return err
			}
			if synced {
				logger.Info("all stages reached the stop height", "stop_height", *stop)
				return nil
			}
		}

		flow, err := p.runOnce(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("pipeline stopped", "reason", ctx.Err())
				return ctx.Err()
			}
			logger.Error("pipeline pass failed", "err", err)
			return err
		}

		switch flow.Kind {
		case ControlFlowContinue:
			logger.Debug("pass finished",
				"oldest_block_reached", optionalHeight(st.oldestBlockReached),
				"most_recent_block_reached", optionalHeight(st.mostRecentBlockReached),
				"reached_chain_tip", st.reachedChainTip,
			)
		case ControlFlowRolledBack:
			if flow.StagesRolledBack > 0 {
				logger.Warn("rolled back", "target", flow.RollbackTarget, "stages", flow.StagesRolledBack)
				continue
			}
			// The bad block is above every committed checkpoint. Retrying
			// right away would fail the same way.
			logger.Warn("invalid state above all checkpoints, waiting for a new chain tip",
				"target", flow.RollbackTarget,
				"tip", st.lastTip,
			)
			if err := p.waitForTip(ctx, st.lastTip, logger); err != nil {
				return err
			}
		case ControlFlowNoProgress:
			if p.cfg.StopSyncAfterReachingBlock == nil && p.cfg.ExitAfterSync && flow.ReachedChainTip {
				logger.Info("all stages reached the chain tip", "tip", st.lastTip)
				return nil
			}
			logger.Debug("no progress, waiting for a new chain tip", "tip", st.lastTip)
			if err := p.waitForTip(ctx, st.lastTip, logger); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) waitForTip(ctx context.Context, after uint64, logger *log.Logger) error {
	if _, err := p.tips.WaitForTip(ctx, after); err != nil {
		if ctx.Err() != nil {
			logger.Info("pipeline stopped", "reason", ctx.Err())
			return ctx.Err()
		}
		return fmt.Errorf("waiting for chain tip: %w", err)
	}
	return nil
}

// RunOnce validates the pipeline (if it is not running yet) and executes a
// single pass over all stages.
func (p *Pipeline) RunOnce(ctx context.Context) (ControlFlow, error) {
	st := p.state
	if st == nil {
		if err := p.validate(); err != nil {
			return ControlFlow{}, err
		}
		st = newRunState()
	}
	return p.runOnce(ctx, st)
}

// RollbackTo rolls every stage whose checkpoint is above target back to target.
func (p *Pipeline) RollbackTo(ctx context.Context, target uint64) error {
	st := p.state
	if st == nil {
		if err := p.validate(); err != nil {
			return err
		}
		st = newRunState()
	}
	_, err := p.rollbackTo(ctx, st, target, nil)
	return err
}

func (p *Pipeline) runOnce(ctx context.Context, st *runState) (ControlFlow, error) {
	tipHeight, err := p.tips.Tip(ctx)
	if err != nil {
		return ControlFlow{}, fmt.Errorf("getting chain tip: %w", err)
	}
	syncTarget := tipHeight
	if stop := p.cfg.StopSyncAfterReachingBlock; stop != nil && *stop < syncTarget {
		syncTarget = *stop
	}
	st.lastTip = tipHeight
	st.resetPass()

	// A stage's checkpoint only moves while that stage runs, so a single
	// snapshot taken before the pass stays valid for every stage.
	progress, err := p.Checkpoints(ctx)
	if err != nil {
		return ControlFlow{}, fmt.Errorf("reading checkpoints: %w", err)
	}

	var (
		prev          *StageProgress
		upstreamAtTip = true
		progressed    bool
	)
	for i, qs := range p.stages {
		if err := ctx.Err(); err != nil {
			return ControlFlow{}, err
		}

		id, checkpoint := qs.Stage.ID(), progress[i].Height
		target := syncTarget
		if prev != nil && prev.Height < target {
			target = prev.Height
		}
		logger := p.logger.With("run_id", st.runID, "stage", id, "checkpoint", checkpoint, "target", target)

		switch {
		case qs.RequiresChainTip && !upstreamAtTip:
			logger.Debug("skipping stage, chain tip not reached upstream")
			p.emitSkipped(st, id, checkpoint, target, SkipReasonChainTipNotReached)
			upstreamAtTip = false
			prev = &StageProgress{ID: id, Height: checkpoint}
			continue
		case checkpoint >= target:
			if stop := p.cfg.StopSyncAfterReachingBlock; stop != nil && checkpoint >= *stop {
				logger.Info("skipping stage, stop height reached", "stop_height", *stop)
			} else {
				logger.Debug("skipping stage, already at target")
			}
			p.emitSkipped(st, id, checkpoint, target, SkipReasonUpToDate)
			upstreamAtTip = checkpoint >= syncTarget
			prev = &StageProgress{ID: id, Height: checkpoint}
			continue
		}

		in := ExecInput{
			PreviousStage: prev,
			Checkpoint:    checkpoint,
			Target:        target,
			Tip:           syncTarget,
		}
		out, err := p.executeStage(ctx, st, qs, in, logger)
		if err != nil {
			ise, ok := asInvalidState(err)
			if !ok {
				return ControlFlow{}, err
			}
			// Earlier batches of this pass may have been committed already.
			return p.handleInvalidState(ctx, st, out.BlockReached, ise, logger)
		}

		if out.BlockReached > checkpoint {
			progressed = true
		}
		st.recordReached(out.BlockReached)
		upstreamAtTip = out.ReachedChainTip
		prev = &StageProgress{ID: id, Height: out.BlockReached}
	}
	st.reachedChainTip = upstreamAtTip

	flow := ControlFlow{
		Kind:            ControlFlowContinue,
		BlockReached:    st.mostRecentBlockReached,
		ReachedChainTip: st.reachedChainTip,
	}
	if !progressed {
		flow.Kind = ControlFlowNoProgress
	}
	return flow, nil
}

// executeStage calls Execute until the stage is done or reaches its target.
// Each call runs in its own transaction, committed together with the new
// checkpoint. On an invalid state error the returned BlockReached is the
// stage's last committed checkpoint.
func (p *Pipeline) executeStage(ctx context.Context, st *runState, qs *QueuedStage, in ExecInput, logger *log.Logger) (ExecOutput, error) {
	id := qs.Stage.ID()
	for {
		p.events.Emit(Event{
			Kind:       EventRunning,
			Stage:      id,
			RunID:      st.runID,
			Checkpoint: in.Checkpoint,
			Target:     in.Target,
		})

		out, err := p.executeOnce(ctx, qs.Stage, in)
		if err != nil {
			if _, ok := asInvalidState(err); ok {
				return ExecOutput{BlockReached: in.Checkpoint}, err
			}
			logger.Error("stage execution failed", "err", err)
			return ExecOutput{}, &StageError{Stage: id, Checkpoint: in.Checkpoint, Op: "execute", Err: err}
		}

		logger.Debug("stage executed",
			"block_reached", out.BlockReached,
			"done", out.Done,
			"reached_chain_tip", out.ReachedChainTip,
		)
		p.events.Emit(Event{
			Kind:       EventRan,
			Stage:      id,
			RunID:      st.runID,
			Checkpoint: in.Checkpoint,
			Target:     in.Target,
			ExecOutput: &out,
		})
		target := in.Target
		p.metrics.Emit(StageReachedCheckpoint{Stage: id, Checkpoint: out.BlockReached, KnownLatestReachable: &target})

		switch {
		case out.Done || out.BlockReached >= in.Target:
			return out, nil
		case out.BlockReached == in.Checkpoint:
			logger.Warn("stage made no progress, deferring to next pass")
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		in.Checkpoint = out.BlockReached
	}
}

func (p *Pipeline) executeOnce(ctx context.Context, stage Stage, in ExecInput) (ExecOutput, error) {
	tx, err := p.db.BeginRw(ctx)
	if err != nil {
		return ExecOutput{}, fmt.Errorf("opening transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := stage.Execute(ctx, tx, in)
	if err != nil {
		return ExecOutput{}, err
	}
	if out.BlockReached < in.Checkpoint || out.BlockReached > in.Target {
		return ExecOutput{}, fmt.Errorf("reached block %d outside of [%d, %d]", out.BlockReached, in.Checkpoint, in.Target)
	}
	if err := p.checkpoints.Set(ctx, tx, stage.ID(), out.BlockReached); err != nil {
		return ExecOutput{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ExecOutput{}, fmt.Errorf("committing: %w", err)
	}
	return out, nil
}

func (p *Pipeline) handleInvalidState(ctx context.Context, st *runState, checkpoint uint64, ise *InvalidStateError, logger *log.Logger) (ControlFlow, error) {
	badBlock := checkpoint
	if ise.BadBlock != nil {
		badBlock = *ise.BadBlock
	}
	var target uint64
	if badBlock > 0 {
		target = badBlock - 1
	}
	logger.Warn("stage reported invalid state, rolling back",
		"bad_block", badBlock,
		"rollback_target", target,
		"err", ise,
	)
	rolledBack, err := p.rollbackTo(ctx, st, target, ise.BadBlock)
	if err != nil {
		return ControlFlow{}, err
	}
	st.reachedChainTip = false
	return ControlFlow{Kind: ControlFlowRolledBack, RollbackTarget: target, StagesRolledBack: rolledBack}, nil
}

// rollbackTo runs the rollback cascade: every stage above target is rolled
// back in rollback order, each in its own transaction. It returns the number
// of stages rolled back.
func (p *Pipeline) rollbackTo(ctx context.Context, st *runState, target uint64, badBlock *uint64) (int, error) {
	progress, err := p.Checkpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading checkpoints: %w", err)
	}
	heights := make(map[StageID]uint64, len(progress))
	for _, sp := range progress {
		heights[sp.ID] = sp.Height
	}

	var rolledBack int
	for _, qs := range rollbackOrder(p.stages) {
		if err := ctx.Err(); err != nil {
			return rolledBack, err
		}
		id := qs.Stage.ID()
		checkpoint := heights[id]
		if checkpoint <= target {
			continue
		}
		logger := p.logger.With("run_id", st.runID, "stage", id, "checkpoint", checkpoint, "target", target)

		in := RollbackInput{CurrentBlock: checkpoint, TargetBlock: target, BadBlock: badBlock}
		p.events.Emit(Event{
			Kind:          EventRollbacking,
			Stage:         id,
			RunID:         st.runID,
			Checkpoint:    checkpoint,
			Target:        target,
			RollbackInput: &in,
		})

		out, err := p.rollbackOnce(ctx, qs.Stage, in)
		if err != nil {
			logger.Error("stage rollback failed", "err", err)
			return rolledBack, &StageError{Stage: id, Checkpoint: checkpoint, Op: "rollback", Err: err}
		}
		rolledBack++

		logger.Info("stage rolled back")
		p.events.Emit(Event{
			Kind:           EventRollbacked,
			Stage:          id,
			RunID:          st.runID,
			Checkpoint:     checkpoint,
			Target:         target,
			RollbackOutput: &out,
		})
		p.metrics.Emit(StageReachedCheckpoint{Stage: id, Checkpoint: out.BlockReached})
	}
	return rolledBack, nil
}

func (p *Pipeline) rollbackOnce(ctx context.Context, stage Stage, in RollbackInput) (RollbackOutput, error) {
	tx, err := p.db.BeginRw(ctx)
	if err != nil {
		return RollbackOutput{}, fmt.Errorf("opening transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := stage.Rollback(ctx, tx, in)
	if err != nil {
		return RollbackOutput{}, err
	}
	if out.BlockReached != in.TargetBlock {
		return RollbackOutput{}, fmt.Errorf("rolled back to %d instead of %d", out.BlockReached, in.TargetBlock)
	}
	if err := p.checkpoints.Set(ctx, tx, stage.ID(), out.BlockReached); err != nil {
		return RollbackOutput{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RollbackOutput{}, fmt.Errorf("committing: %w", err)
	}
	return out, nil
}

func (p *Pipeline) allStagesReached(ctx context.Context, height uint64) (bool, error) {
	progress, err := p.Checkpoints(ctx)
	if err != nil {
		return false, fmt.Errorf("reading checkpoints: %w", err)
	}
	for _, sp := range progress {
		if sp.Height < height {
			return false, nil
		}
	}
	return true, nil
}

// emitProgressMetricOfStages publishes the current checkpoint of every stage.
func (p *Pipeline) emitProgressMetricOfStages(ctx context.Context) error {
	progress, err := p.Checkpoints(ctx)
	if err != nil {
		return fmt.Errorf("reading checkpoints: %w", err)
	}
	for _, sp := range progress {
		p.metrics.Emit(StageReachedCheckpoint{Stage: sp.ID, Checkpoint: sp.Height})
	}
	return nil
}

func (p *Pipeline) emitSkipped(st *runState, id StageID, checkpoint, target uint64, reason SkipReason) {
	p.events.Emit(Event{
		Kind:       EventSkipped,
		Stage:      id,
		RunID:      st.runID,
		Checkpoint: checkpoint,
		Target:     target,
		SkipReason: reason,
	})
}

func optionalHeight(h *uint64) any {
	if h == nil {
		return "none"
	}
	return *h
}

// IsInvalidState reports whether err is a validation failure reported by a stage.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
