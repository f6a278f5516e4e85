package api

import (
	"context"
	"sync"
	"time"

	"github.com/ethsync/stagesync/emitters"
	"github.com/ethsync/stagesync/stagedsync"
)

// StageStatus is the latest known state of a stage.
type StageStatus struct {
	Stage      stagedsync.StageID `json:"stage"`
	LastEvent  string             `json:"last_event,omitempty"`
	Checkpoint uint64             `json:"checkpoint"`
	Target     uint64             `json:"target"`
	UpdatedAt  *time.Time         `json:"updated_at,omitempty"`
}

// Status is the sync status reported by the API.
type Status struct {
	RunID     string        `json:"run_id,omitempty"`
	Rollbacks uint64        `json:"rollbacks"`
	Stages    []StageStatus `json:"stages"`
}

// StatusTracker folds pipeline events into a Status.
type StatusTracker struct {
	mu        sync.RWMutex
	order     []stagedsync.StageID
	stages    map[stagedsync.StageID]*StageStatus
	runID     string
	rollbacks uint64

	now func() time.Time
}

// NewStatusTracker creates a tracker for the given stages, in execution order.
func NewStatusTracker(stages []stagedsync.StageID) *StatusTracker {
	t := &StatusTracker{
		order:  stages,
		stages: make(map[stagedsync.StageID]*StageStatus, len(stages)),
		now:    time.Now,
	}
	for _, id := range stages {
		t.stages[id] = &StageStatus{Stage: id}
	}
	return t
}

// Observe updates the status with a pipeline event.
func (t *StatusTracker) Observe(ev stagedsync.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stages[ev.Stage]
	if !ok {
		return
	}
	if ev.RunID != "" {
		t.runID = ev.RunID
	}
	now := t.now()
	s.LastEvent = ev.Kind.String()
	s.UpdatedAt = &now
	s.Target = ev.Target
	switch {
	case ev.Kind == stagedsync.EventRan && ev.ExecOutput != nil:
		s.Checkpoint = ev.ExecOutput.BlockReached
	case ev.Kind == stagedsync.EventRollbacked && ev.RollbackOutput != nil:
		s.Checkpoint = ev.RollbackOutput.BlockReached
		t.rollbacks++
	default:
		s.Checkpoint = ev.Checkpoint
	}
}

// Snapshot returns a copy of the current status.
func (t *StatusTracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := Status{
		RunID:     t.runID,
		Rollbacks: t.rollbacks,
		Stages:    make([]StageStatus, 0, len(t.order)),
	}
	for _, id := range t.order {
		status.Stages = append(status.Stages, *t.stages[id])
	}
	return status
}

// Consume observes events from sub until ctx is done or sub is closed.
func (t *StatusTracker) Consume(ctx context.Context, sub *emitters.Subscription[stagedsync.Event]) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			t.Observe(ev)
		}
	}
}
