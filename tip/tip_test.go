package tip

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/ethsync/stagesync/log"
)

func TestTrackerTipBlocksUntilKnown(t *testing.T) {
	tr := NewTracker()
	_, known := tr.Current()
	require.False(t, known)

	done := make(chan uint64)
	go func() {
		h, err := tr.Tip(context.Background())
		require.NoError(t, err)
		done <- h
	}()

	select {
	case <-done:
		t.Fatal("Tip returned before a tip was set")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Set(42)
	require.Equal(t, uint64(42), <-done)
}

func TestTrackerWaitForTip(t *testing.T) {
	tr := NewTracker()
	tr.Set(10)

	// Already above: returns immediately.
	h, err := tr.WaitForTip(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(10), h)

	done := make(chan uint64)
	go func() {
		h, err := tr.WaitForTip(context.Background(), 10)
		require.NoError(t, err)
		done <- h
	}()

	// A lower tip does not wake the waiter.
	tr.Set(9)
	select {
	case <-done:
		t.Fatal("WaitForTip returned for a lower tip")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Set(11)
	require.Equal(t, uint64(11), <-done)
}

func TestTrackerWaitCanceled(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.WaitForTip(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFixed(t *testing.T) {
	f := Fixed(7)
	h, err := f.Tip(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(7), h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.WaitForTip(ctx, 7)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeHeaderSource struct {
	mu      sync.Mutex
	heights []uint64
	err     error
}

func (f *fakeHeaderSource) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := f.heights[0]
	if len(f.heights) > 1 {
		f.heights = f.heights[1:]
	}
	return &types.Header{Number: new(big.Int).SetUint64(h)}, nil
}

func TestEthFollowerPoll(t *testing.T) {
	tr := NewTracker()
	src := &fakeHeaderSource{heights: []uint64{100, 101}}
	f := NewEthFollower(src, tr, time.Millisecond, log.NewNopLogger())

	h, err := f.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), h)
	cur, known := tr.Current()
	require.True(t, known)
	require.Equal(t, uint64(100), cur)

	src.err = errors.New("connection refused")
	_, err = f.Poll(context.Background())
	require.Error(t, err)
	cur, _ = tr.Current()
	require.Equal(t, uint64(100), cur, "failed poll must not change the tip")
}

func TestEthFollowerRun(t *testing.T) {
	tr := NewTracker()
	src := &fakeHeaderSource{heights: []uint64{5, 6, 7}}
	f := NewEthFollower(src, tr, time.Millisecond, log.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	h, err := tr.WaitForTip(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, uint64(7), h)

	cancel()
	require.NoError(t, <-errCh)
}
