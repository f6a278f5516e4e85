// Package tip tracks the externally observed chain tip that the sync
// pipeline advances toward.
package tip

import (
	"context"
	"sync"
)

// Source supplies the chain tip to the sync pipeline.
type Source interface {
	// Tip returns the current chain tip. It blocks until a tip is known.
	Tip(ctx context.Context) (uint64, error)

	// WaitForTip blocks until the chain tip is higher than after, and
	// returns the new tip.
	WaitForTip(ctx context.Context, after uint64) (uint64, error)
}

// Tracker is a Source fed by an external driver through Set.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	height  uint64
	known   bool
	changed chan struct{} // closed and replaced on every change
}

var _ Source = (*Tracker)(nil)

// NewTracker returns a Tracker with no known tip.
func NewTracker() *Tracker {
	return &Tracker{changed: make(chan struct{})}
}

// Set records a newly observed chain tip and wakes up waiters. The tip may
// move backwards (e.g. after a reorg to a shorter chain).
func (t *Tracker) Set(height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.known && t.height == height {
		return
	}
	t.height = height
	t.known = true
	close(t.changed)
	t.changed = make(chan struct{})
}

// Current returns the last observed tip, and whether any tip was observed.
func (t *Tracker) Current() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.height, t.known
}

// Tip implements Source.
func (t *Tracker) Tip(ctx context.Context) (uint64, error) {
	return t.wait(ctx, func(h uint64) bool { return true })
}

// WaitForTip implements Source.
func (t *Tracker) WaitForTip(ctx context.Context, after uint64) (uint64, error) {
	return t.wait(ctx, func(h uint64) bool { return h > after })
}

func (t *Tracker) wait(ctx context.Context, ready func(uint64) bool) (uint64, error) {
	for {
		t.mu.Lock()
		height, known, changed := t.height, t.known, t.changed
		t.mu.Unlock()

		if known && ready(height) {
			return height, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Fixed is a Source that always reports the same tip. WaitForTip blocks
// until ctx is done unless after is below the fixed tip.
type Fixed uint64

var _ Source = Fixed(0)

// Tip implements Source.
func (f Fixed) Tip(ctx context.Context) (uint64, error) {
	return uint64(f), ctx.Err()
}

// WaitForTip implements Source.
func (f Fixed) WaitForTip(ctx context.Context, after uint64) (uint64, error) {
	if uint64(f) > after {
		return uint64(f), nil
	}
	<-ctx.Done()
	return 0, ctx.Err()
}
